package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jo-hoe/mediagen/internal/backend"
	"github.com/jo-hoe/mediagen/internal/backend/mock"
	"github.com/jo-hoe/mediagen/internal/backend/photo"
	"github.com/jo-hoe/mediagen/internal/backend/video"
	"github.com/jo-hoe/mediagen/internal/common"
	appcfg "github.com/jo-hoe/mediagen/internal/config"
	"github.com/jo-hoe/mediagen/internal/jobs"
	"github.com/jo-hoe/mediagen/internal/processor"
	"github.com/jo-hoe/mediagen/internal/server"
	"github.com/jo-hoe/mediagen/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mediagen stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Key-value store shared by history and catalog cache
	kv, err := openKV(rootCtx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.History.Backend, err)
	}

	// Media cache
	cache, err := storage.NewMediaCache(cfg.Cache.Dir, backend.NewMediaFetcher(0), logger)
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("init media cache: %w", err)
	}

	// History; closing it also closes kv
	history, err := jobs.OpenHistory(rootCtx, kv, cfg.History.Key, cache, logger)
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Warn("close history", "err", err)
		}
	}()

	// Backends
	reg, ttl, err := buildBackends(cfg)
	if err != nil {
		return fmt.Errorf("init backends: %w", err)
	}
	logger.Info("backends ready", "names", reg.Names())

	// Prefetch workers
	var prefetch processor.Prefetcher
	var queue *jobs.Queue
	if !cfg.Prefetch.Disabled {
		queue = jobs.NewQueue(logger, cfg.Prefetch.Capacity, cfg.Prefetch.Workers)
		if err := queue.Start(rootCtx, cache); err != nil {
			return fmt.Errorf("start prefetch queue: %w", err)
		}
		prefetch = queue
	}

	identity := backend.Identity{UserID: cfg.Identity.UserID, AppID: cfg.Identity.AppID}
	orch, err := processor.New(processor.Options{
		Log:      logger,
		Store:    history,
		Backends: reg,
		Identity: identity,
		Clock:    clock.New(),
		Polling: processor.PollingOptions{
			PhotoInterval: cfg.Polling.PhotoInterval,
			VideoInterval: cfg.Polling.VideoInterval,
			MaxAttempts:   cfg.Polling.MaxAttempts,
			MaxDuration:   cfg.Polling.MaxDuration,
			MaxMalformed:  cfg.Polling.MaxMalformed,
		},
		Prefetch: prefetch,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	resumed, err := orch.Resume(rootCtx)
	if err != nil {
		logger.Warn("resume jobs", "err", err)
	}
	logger.Info("history loaded", "jobs", len(history.All()), "resumed", len(resumed))

	// HTTP server
	svc := &server.Service{
		Log:          logger,
		Cfg:          cfg,
		Store:        history,
		Orchestrator: orch,
		Uploader:     storage.NewUploader(cfg.Upload.MaxDimension, cfg.Upload.JPEGQuality),
		Cache:        cache,
		Backends:     reg,
		Catalog:      backend.NewCatalog(logger, kv, clock.New(), ttl),
		Identity:     identity,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown: stop intake, then polling, then downloads; history closes last via defer
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	orch.Shutdown()
	if queue != nil {
		queue.Shutdown(cfg.Server.ShutdownGrace)
	}
	logger.Info("server stopped")
	return nil
}

func openKV(ctx context.Context, cfg *appcfg.Config) (jobs.KV, error) {
	switch cfg.History.Backend {
	case appcfg.HistoryRedis:
		r := cfg.History.Redis
		return jobs.NewRedisKV(ctx, jobs.RedisOptions{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		})
	default:
		return jobs.NewSQLiteKV(cfg.History.DatabasePath)
	}
}

func buildBackends(cfg *appcfg.Config) (*backend.Registry, map[string]time.Duration, error) {
	reg := backend.NewRegistry()
	ttl := map[string]time.Duration{}

	remote := []struct {
		name     string
		settings appcfg.BackendSettings
		build    func(*backend.Transport) backend.Adapter
	}{
		{common.BackendPhoto, cfg.Backends.Photo, func(t *backend.Transport) backend.Adapter { return photo.New(t) }},
		{common.BackendVideo, cfg.Backends.Video, func(t *backend.Transport) backend.Adapter { return video.New(t) }},
	}
	for _, r := range remote {
		if !r.settings.Enabled {
			continue
		}
		t, err := backend.NewTransport(backend.TransportOptions{
			BaseURL:           r.settings.BaseURL,
			Token:             r.settings.Token,
			Timeout:           r.settings.Timeout,
			RequestsPerSecond: r.settings.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%s transport: %w", r.name, err)
		}
		reg.Add(r.build(t))
		ttl[r.name] = r.settings.CatalogTTL
	}
	if cfg.Backends.Mock.Enabled {
		reg.Add(mock.New(cfg.Backends.Mock))
	}
	return reg, ttl, nil
}
