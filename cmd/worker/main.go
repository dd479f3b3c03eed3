// Command worker consumes transcription tasks from the broker and runs
// them through the model pool.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scribeworks/transcriptd/internal/adapter/engine/stub"
	"github.com/scribeworks/transcriptd/internal/adapter/media"
	"github.com/scribeworks/transcriptd/internal/adapter/observability"
	"github.com/scribeworks/transcriptd/internal/adapter/queue/redpanda"
	"github.com/scribeworks/transcriptd/internal/adapter/repo/postgres"
	"github.com/scribeworks/transcriptd/internal/app"
	"github.com/scribeworks/transcriptd/internal/config"
	"github.com/scribeworks/transcriptd/internal/service/modelpool"
	"github.com/scribeworks/transcriptd/internal/usecase"
)

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.New().String()
	}
	return host + "-" + uuid.New().String()[:8]
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	observability.SetupLogger(cfg)
	observability.InitMetrics()

	// Dedicated metrics endpoint so Prometheus can scrape job and pool
	// gauges from the worker process.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	id := workerID()
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("worker_id", id))

	for _, dir := range []string{cfg.WorkFolder, cfg.OutputFolder} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.Error("folder create failed", slog.String("dir", dir), slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	producer, err := redpanda.NewProducer(cfg.BrokerURLs)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()
	if err := redpanda.EnsureTopics(ctx, producer.Client(), 3); err != nil {
		slog.Error("topic bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	retryManager := redpanda.NewRetryManager(producer, cfg.RetryConfig())

	models := modelpool.New(stub.NewLoader(), cfg.ModelPoolSize, cfg.ModelPoolMaxSize)
	converter := &media.FFmpeg{WorkDir: cfg.WorkFolder}

	processor := usecase.NewProcessor(
		jobRepo, models, retryManager, converter, auditRepo,
		id, cfg.OutputFolder, cfg.AcquireTimeout, cfg.TaskTimeout(),
	)

	consumer, err := redpanda.NewConsumer(cfg.BrokerURLs, "transcriptd-workers", cfg.WorkerConcurrency, processor.Handle)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	control, err := redpanda.NewControlWatcher(cfg.BrokerURLs, id, processor.RevokeInflight)
	if err != nil {
		slog.Error("control watcher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := control.Close(); err != nil {
			slog.Error("failed to close control watcher", slog.Any("error", err))
		}
	}()
	go func() {
		if err := control.Start(ctx); err != nil {
			slog.Error("control watcher error", slog.Any("error", err))
		}
	}()

	if sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobMaxAge, cfg.StuckJobInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	retention := postgres.NewRetentionService(jobRepo, auditRepo)
	go retention.RunPeriodic(ctx, cfg.CleanupInterval)

	// Single collection loop for pool and queue gauges.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := models.Stats()
				observability.ObservePool(stats.TotalLoaded, stats.Hits, stats.Misses, stats.OOMFallbacks)
				depthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				depths, err := redpanda.QueueDepths(depthCtx, producer.Client(), "transcriptd-workers", redpanda.WorkTopics())
				cancel()
				if err != nil {
					slog.Warn("queue depth poll failed", slog.Any("error", err))
					continue
				}
				observability.ObserveQueueDepths(depths)
			}
		}
	}()

	slog.Info("consumer starting", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
