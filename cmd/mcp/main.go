package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/guidance-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/guidance-retrieval/internal/bootstrap"
	"github.com/kirillkom/guidance-retrieval/internal/config"
	"github.com/kirillkom/guidance-retrieval/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// stdout carries the protocol, so logs go to stderr.
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Observers{})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go func() {
		err := app.Queue.SubscribeCorpusUpdated(ctx, func(_ context.Context, organization string) {
			app.Cache.InvalidateOrganization(organization)
		})
		if err != nil {
			logger.Error("corpus_updates_subscription_failed", "error", err)
		}
	}()

	go func() {
		if err := app.WatchPatterns(ctx); err != nil {
			logger.Error("classifier_patterns_watch_failed", "error", err)
		}
	}()

	server, err := mcpadapter.NewServer(app.QueryUC)
	if err != nil {
		logger.Error("mcp_init_failed", "error", err)
		os.Exit(1)
	}
	if err := server.Run(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
