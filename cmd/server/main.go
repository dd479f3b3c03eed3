// Command server starts the transcription HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/scribeworks/transcriptd/internal/adapter/httpserver"
	"github.com/scribeworks/transcriptd/internal/adapter/observability"
	"github.com/scribeworks/transcriptd/internal/adapter/queue/redpanda"
	"github.com/scribeworks/transcriptd/internal/adapter/repo/postgres"
	"github.com/scribeworks/transcriptd/internal/app"
	"github.com/scribeworks/transcriptd/internal/config"
	"github.com/scribeworks/transcriptd/internal/service/ratelimiter"
	"github.com/scribeworks/transcriptd/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	observability.SetupLogger(cfg)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	for _, dir := range []string{cfg.WorkFolder, cfg.OutputFolder} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.Error("folder create failed", slog.String("dir", dir), slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	retention := postgres.NewRetentionService(jobRepo, auditRepo)
	go retention.RunPeriodic(ctx, cfg.CleanupInterval)

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

	// Per-key rate limiting rides on Redis when configured and degrades
	// to in-process counters when it is not.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("bad REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}
	limiter := ratelimiter.NewSlidingLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)

	auth := httpserver.NewKeyAuth(cfg.APIKeys, limiter, auditRepo)
	if len(cfg.APIKeys) == 0 {
		slog.Warn("no API keys configured, all authenticated routes will reject")
	}

	srv := &httpserver.Server{
		Cfg:    cfg,
		Submit: usecase.NewSubmitService(jobRepo, producer, auditRepo, redpanda.TopicForPriority, cfg.DefaultTier(), cfg.RetryMaxRetries),
		Status: usecase.NewStatusService(jobRepo, producer, auditRepo),
		Audit:  auditRepo,
		Jobs:   jobRepo,
		DBCheck: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		QueueDepth: func(ctx context.Context) (map[string]int64, error) {
			return redpanda.QueueDepths(ctx, producer.Client(), "transcriptd-workers", redpanda.WorkTopics())
		},
	}

	handler := app.BuildRouter(cfg, srv, auth)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	// Keep queue depth gauges fresh for /metrics.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			depthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			depths, err := srv.QueueDepth(depthCtx)
			cancel()
			if err != nil {
				slog.Warn("queue depth poll failed", slog.Any("error", err))
				continue
			}
			observability.ObserveQueueDepths(depths)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
