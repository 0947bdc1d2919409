package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/guidance-retrieval/internal/adapters/http"
	"github.com/kirillkom/guidance-retrieval/internal/bootstrap"
	"github.com/kirillkom/guidance-retrieval/internal/config"
	"github.com/kirillkom/guidance-retrieval/internal/observability/logging"
	"github.com/kirillkom/guidance-retrieval/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewHTTPServerMetrics("api")
	app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Observers{
		Retrieval:     m,
		Resilience:    m,
		Invalidations: m.ObserveCacheInvalidation,
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Every replica drops its own cache entries when the corpus changes.
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

	router := httpadapter.NewRouter(app.QueryUC, app.Store, app.Tracker, app.Cache, httpadapter.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        m,
		Ready:          app.Store.Ping,
	}).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
