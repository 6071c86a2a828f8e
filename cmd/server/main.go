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

	"github.com/fruitsalade/objectstore/internal/api"
	"github.com/fruitsalade/objectstore/internal/config"
	"github.com/fruitsalade/objectstore/internal/events"
	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/storage/provider"
	"github.com/fruitsalade/objectstore/internal/upload"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
		File: logging.FileConfig{
			MaxSizeMB:  cfg.Log.File.MaxSize,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAge,
			Compress:   cfg.Log.File.Compress,
		},
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("objectstore server starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("primary", cfg.Storage.PrimaryCloud))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := events.NewBroadcaster()

	svc, closer, err := provider.NewService(ctx, cfg, broadcaster.OnChange)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer closer.Close()

	uploads := upload.New(svc, upload.Options{
		IdleTimeout:         cfg.Upload.IdleTimeout,
		MaxChunkBytes:       cfg.Upload.MaxChunkBytes,
		DefaultCacheControl: cfg.Upload.DefaultCacheControl,
		OnAssembled:         broadcaster.OnAssembled,
	})
	uploads.StartSweeper(ctx, cfg.Upload.SweepInterval)

	srv := api.NewServer(svc, uploads, broadcaster, cfg.Server.MaxUploadSize)

	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("graceful shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped
}
