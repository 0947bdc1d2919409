package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/guidance-retrieval/internal/adapters/cli"
	"github.com/kirillkom/guidance-retrieval/internal/bootstrap"
	"github.com/kirillkom/guidance-retrieval/internal/config"
	"github.com/kirillkom/guidance-retrieval/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLoggerTo(os.Stderr, "guidancectl", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(func(ctx context.Context) (cli.Services, func(), error) {
		app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Observers{})
		if err != nil {
			return cli.Services{}, nil, fmt.Errorf("bootstrap: %w", err)
		}
		return cli.Services{
			Searcher:     app.QueryUC,
			Supersession: app.Tracker,
			Publisher:    app.Queue,
		}, app.Close, nil
	})
	root.SetOut(os.Stdout)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
