package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/credrisk/internal/api"
	"github.com/opensource-finance/credrisk/internal/bus"
	"github.com/opensource-finance/credrisk/internal/cache"
	"github.com/opensource-finance/credrisk/internal/metrics"
	"github.com/opensource-finance/credrisk/internal/pipeline"
	"github.com/opensource-finance/credrisk/internal/serving"
	"github.com/opensource-finance/credrisk/internal/tracing"
	"github.com/opensource-finance/credrisk/internal/worker"
)

const modelRetryInterval = 30 * time.Second

var (
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "HTTP port (optional, overrides config)",
	}

	noWorkerFlag = &cli.BoolFlag{
		Name:  "no-worker",
		Usage: "Do not run the training worker in this process",
	}

	serveCmd = &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Serve the registered model over HTTP",
		Action:  cmdServe,
		Flags: []cli.Flag{
			portFlag,
			noWorkerFlag,
		},
	}
)

func cmdServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v := cmd.Int(portFlag.Name); v > 0 {
		cfg.Server.Port = int(v)
	}
	if cmd.Bool(noWorkerFlag.Name) {
		cfg.Server.AsyncWorker = false
	}

	slog.Info("starting credrisk",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	loader := serving.NewRegistryLoader(repo, cacheImpl, cfg.Serving.ModelName, cfg.Serving.Stage, cfg.Serving.CacheTTL)
	handle := serving.NewHandle(loader, modelRetryInterval)
	if err := handle.Reload(ctx); err != nil {
		slog.Warn("no model loaded at startup", "name", cfg.Serving.ModelName, "stage", cfg.Serving.Stage, "error", err)
	}

	sub, err := handle.Subscribe(ctx, busImpl, cfg.Serving.ModelName)
	if err != nil {
		return fmt.Errorf("subscribing to promotions: %w", err)
	}
	defer sub.Unsubscribe()

	var trainer *worker.Worker
	if cfg.Server.AsyncWorker {
		pcfg, err := pipeline.ConfigFrom(cfg)
		if err != nil {
			return err
		}
		p, err := pipeline.New(repo, pcfg)
		if err != nil {
			return err
		}
		trainer = worker.NewWorker(busImpl, repo, p)
		if err := trainer.Start(); err != nil {
			return fmt.Errorf("starting training worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, handle, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("credrisk is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model", cfg.Serving.ModelName,
		"stage", cfg.Serving.Stage,
		"worker", trainer != nil,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err = <-errCh:
		slog.Error("server failed", "error", err)
	}

	// Stop the training worker first
	if trainer != nil {
		if err := trainer.Stop(); err != nil {
			slog.Error("failed to stop training worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("server forced to shutdown", "error", serr)
	}

	slog.Info("credrisk shutdown complete")
	return err
}
