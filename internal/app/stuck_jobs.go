package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// StuckJobSweeper fails processing jobs whose worker died without
// reporting back. A job is stuck once its started_at is older than the
// maximum processing age.
type StuckJobSweeper struct {
	jobs     domain.JobStore
	maxAge   time.Duration
	interval time.Duration
}

func NewStuckJobSweeper(jobs domain.JobStore, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context
// is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks every overdue processing job as failed. Returns the
// number of jobs swept.
func (s *StuckJobSweeper) SweepOnce(ctx context.Context) int {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.SweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxAge)
	processing := domain.JobProcessing
	jobs, err := s.jobs.List(ctx, domain.JobFilter{Status: &processing, Limit: 100})
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep list failed", slog.Any("error", err))
		return 0
	}

	swept := 0
	for _, j := range jobs {
		if j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		msg := fmt.Sprintf("processing exceeded maximum age %v, marked failed by sweeper", s.maxAge)
		errType := string(domain.KindUnknown)
		now := time.Now().UTC()
		err := s.jobs.Transition(ctx, j.ID, domain.JobProcessing, domain.JobFailed, domain.JobPatch{
			ErrorType:    &errType,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
		if err != nil {
			// Lost the race with a live worker; nothing to do.
			slog.Warn("stuck job sweep transition failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		swept++
		slog.Warn("stuck job marked failed",
			slog.String("job_id", j.ID),
			slog.Duration("max_age", s.maxAge))
	}
	span.SetAttributes(
		attribute.Int("jobs.checked", len(jobs)),
		attribute.Int("jobs.swept", swept),
	)
	return swept
}
