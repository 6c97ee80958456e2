// livesync server
//
// Features:
// - Websocket file synchronization with debounced persistence
// - Local filesystem or S3 storage
// - Optional Postgres/SQLite document metadata
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/fruitsalade/livesync/internal/api"
	"github.com/fruitsalade/fruitsalade/livesync/internal/collab"
	"github.com/fruitsalade/fruitsalade/livesync/internal/config"
	"github.com/fruitsalade/fruitsalade/livesync/internal/gateway"
	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metadata"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
	"github.com/fruitsalade/fruitsalade/livesync/internal/persist"
	"github.com/fruitsalade/fruitsalade/livesync/internal/retry"
	"github.com/fruitsalade/fruitsalade/livesync/internal/rooms"
	"github.com/fruitsalade/fruitsalade/livesync/internal/storage"
	"github.com/fruitsalade/fruitsalade/livesync/internal/transport/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("livesync server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	sinkOpts := []persist.Option{}

	// Metadata repository
	var metaStore *metadata.Store
	var docs api.DocumentStore
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to metadata database...")
		metaStore, err = metadata.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer metaStore.Close()

		if err := metaStore.Migrate(ctx); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
		docs = metaStore

		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.MetadataRetryAttempts
		sinkOpts = append(sinkOpts, persist.WithRepository(metaStore), persist.WithRetry(retryCfg))
	} else {
		logging.Info("no DATABASE_URL set, metadata repository disabled")
	}

	sink := persist.New(backend, sinkOpts...)

	// Synchronization engine
	hub := rooms.NewManager()
	syncCfg := collab.DefaultConfig()
	syncCfg.DebounceDelay = cfg.DebounceDelay
	syncCfg.CacheRetention = cfg.CacheRetention
	syncCfg.JanitorInterval = cfg.JanitorInterval
	service := collab.New(syncCfg, sink, hub)
	service.Start(ctx)

	wsCfg := ws.DefaultConfig()
	wsCfg.AllowedOrigins = cfg.AllowedOrigins
	wsCfg.MaxMessageBytes = cfg.MaxMessageBytes
	wsCfg.MessagesPerSecond = cfg.MessagesPerSecond
	wsCfg.Burst = cfg.MessageBurst
	wsHandler := ws.NewHandler(wsCfg, hub, gateway.New(service, hub))

	srv := api.NewServer(service, wsHandler, docs, backend.Type())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Periodic gauge updates
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := service.Stats()
				metrics.SetSessionsActive(stats.Sessions)
				metrics.SetCacheEntries(stats.CachedFiles)
				if metaStore != nil {
					metaStore.UpdateConnectionMetrics()
				}
			}
		}
	})

	// Graceful shutdown: stop accepting, close sessions (each flushes its
	// files), then flush whatever is still pending.
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(sctx); err != nil {
			logging.Error("http shutdown failed", zap.Error(err))
		}
		if err := wsHandler.Shutdown(sctx); err != nil {
			logging.Error("websocket shutdown failed", zap.Error(err))
		}
		if err := service.Shutdown(sctx); err != nil {
			logging.Error("sync service shutdown failed", zap.Error(err))
		}
		metricsServer.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Error("server error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Info("server stopped")
}
