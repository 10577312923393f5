// Command ingestd runs the health telemetry ingestion service: it accepts
// HTTP posts of exported metrics, archives them durably, deduplicates,
// normalizes them into time series points, and writes them to the
// configured backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitalsink/ingestd/internal/archive"
	"github.com/vitalsink/ingestd/internal/bus"
	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/dedup"
	"github.com/vitalsink/ingestd/internal/dlq"
	"github.com/vitalsink/ingestd/internal/ingest"
	"github.com/vitalsink/ingestd/internal/transform"
	"github.com/vitalsink/ingestd/internal/tswriter"
	"github.com/vitalsink/ingestd/pkg/metrics"
	"github.com/vitalsink/ingestd/pkg/mid"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.App.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARNING":
		level = slog.LevelWarn
	case "ERROR", "CRITICAL":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.App.LogFormat == "console" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.ServeAsync(cfg.App.MetricsPort)

	var arc *archive.Store
	if cfg.Archive.Enabled {
		a, err := archive.New(cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
		arc = a
		log.Info("archive store ready", "dir", cfg.Archive.Dir, "rotation", cfg.Archive.Rotation)
	}

	var dedupCache *dedup.Cache
	if cfg.Dedup.Enabled {
		dedupCache = dedup.New(dedup.Opts{
			MaxSize:        cfg.Dedup.MaxSize,
			TTL:            time.Duration(cfg.Dedup.TTLHours) * time.Hour,
			ReservationTTL: time.Duration(cfg.Dedup.ReservationTTLSec) * time.Second,
			PersistPath:    cfg.Dedup.PersistPath,
		})
		if cfg.Dedup.PersistEnabled {
			if err := dedupCache.Restore(); err != nil {
				log.Warn("dedup restore failed", "err", err)
			}
		}
		log.Info("dedup cache ready", "max_size", cfg.Dedup.MaxSize)
	}

	var dlqStore *dlq.Queue
	if cfg.DLQ.Enabled {
		q, err := dlq.Open(cfg.DLQ)
		if err != nil {
			return fmt.Errorf("dlq init: %w", err)
		}
		defer q.Close()
		dlqStore = q
		log.Info("dlq ready", "path", cfg.DLQ.DBPath)
	}

	writer := tswriter.New(cfg.TSDB, cfg.Breaker, cfg.Limiter, log, met)
	writer.Start(ctx)

	publisher, err := bus.Connect(cfg.Bus)
	if err != nil {
		log.Warn("bus connect failed, continuing without event forwarding", "err", err)
		publisher = nil
	}
	defer publisher.Close()

	registry := transform.NewRegistry(cfg.App.DefaultSource)

	pipeline := ingest.NewPipeline(ingest.Deps{
		QueueSize: cfg.Pipeline.QueueSize,
		Workers:   cfg.Pipeline.Workers,
		Registry:  registry,
		Dedup:     dedupCache,
		DLQ:       dlqStore,
		Writer:    writer,
		Bus:       publisher,
		Log:       log,
		Metrics:   met,
	})
	pipeline.Start(ctx)

	if cfg.Archive.Enabled {
		go runArchiveSweeps(ctx, arc, log)
	}
	if cfg.Dedup.Enabled && cfg.Dedup.PersistEnabled {
		go runDedupCheckpoints(ctx, dedupCache, cfg.Dedup.CheckpointIntervalSec, log)
	}
	if cfg.Dedup.Enabled {
		go runDedupCleanup(ctx, dedupCache, cfg.Dedup.TTLHours, log)
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.HTTP.Enabled {
		handler := ingest.NewHandler(cfg.HTTP.AuthToken, cfg.HTTP.MaxRequestSize, arc, pipeline, log)
		mux := http.NewServeMux()
		handler.Register(mux)

		middlewares := []mid.Middleware{mid.Recover(log), mid.Logger(log)}
		if cfg.Tracing.Enabled {
			middlewares = append(middlewares, mid.OTel(cfg.Tracing.ServiceName))
		}
		chained := mid.Chain(mux, middlewares...)

		srv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler:      chained,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Info("ingestd http listening", "addr", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Pipeline.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error("http shutdown error", "err", err)
		}
	}
	pipeline.Stop()
	if err := writer.Stop(shutCtx); err != nil {
		log.Error("writer drain error", "err", err)
	}
	if dedupCache != nil && cfg.Dedup.PersistEnabled {
		if err := dedupCache.Checkpoint(); err != nil {
			log.Error("final dedup checkpoint failed", "err", err)
		}
	}
	return nil
}

func runArchiveSweeps(ctx context.Context, arc *archive.Store, log *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			compressed, removed, err := arc.RunSweeps()
			if err != nil {
				log.Error("archive sweep failed", "err", err)
				continue
			}
			log.Info("archive sweep done", "compressed", compressed, "removed", removed)
		}
	}
}

func runDedupCheckpoints(ctx context.Context, c *dedup.Cache, intervalSec int, log *slog.Logger) {
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				log.Error("dedup checkpoint failed", "err", err)
			}
		}
	}
}

// runDedupCleanup prunes stale pending reservations on a fixed interval,
// independent of the opportunistic sweep ReserveBatch performs inline.
// Committed fingerprints expire through the cache's own TTL.
func runDedupCleanup(ctx context.Context, c *dedup.Cache, ttlHours int, log *slog.Logger) {
	interval := time.Duration(ttlHours) * time.Hour / 4
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired()
			log.Info("dedup cleanup done")
		}
	}
}
