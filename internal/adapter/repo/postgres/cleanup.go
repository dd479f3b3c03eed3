package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// RetentionService periodically purges soft-deleted jobs whose retention
// has elapsed. Jobs under a legal hold are never purged.
type RetentionService struct {
	Store domain.JobStore
	Audit domain.AuditLog
}

// NewRetentionService creates a retention service.
func NewRetentionService(store domain.JobStore, audit domain.AuditLog) *RetentionService {
	return &RetentionService{Store: store, Audit: audit}
}

// PurgeOnce runs a single purge pass.
func (s *RetentionService) PurgeOnce(ctx context.Context) error {
	n, err := s.Store.PurgeEligible(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("retention purge completed", slog.Int64("purged_jobs", n))
		if _, err := s.Audit.Log(ctx, domain.AuditEvent{
			Action:       "job.purge",
			ResourceType: "job",
			Outcome:      domain.OutcomeSuccess,
			NewState:     map[string]string{"purged": time.Now().UTC().Format(time.RFC3339)},
		}); err != nil {
			slog.Error("retention purge audit failed", slog.Any("error", err))
		}
	}
	return nil
}

// RunPeriodic purges on the given interval until ctx is cancelled.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.PurgeOnce(ctx); err != nil {
		slog.Error("initial retention purge failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention service stopping")
			return
		case <-ticker.C:
			if err := s.PurgeOnce(ctx); err != nil {
				slog.Error("periodic retention purge failed", slog.Any("error", err))
			}
		}
	}
}
