package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// StatusService reads job state and handles cancellation.
type StatusService struct {
	Jobs  domain.JobStore
	Queue domain.Queue
	Audit domain.AuditLog
}

// NewStatusService constructs a StatusService.
func NewStatusService(jobs domain.JobStore, queue domain.Queue, audit domain.AuditLog) StatusService {
	return StatusService{Jobs: jobs, Queue: queue, Audit: audit}
}

// Get returns the job, and its result when the job has completed.
func (s StatusService) Get(ctx context.Context, id string) (domain.Job, *domain.Result, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if job.Status != domain.JobCompleted {
		return job, nil, nil
	}
	res, err := s.Jobs.GetResult(ctx, id)
	if err != nil {
		// A completed job without a result row is an inconsistency worth
		// surfacing, not hiding behind a partial answer.
		return domain.Job{}, nil, err
	}
	return job, &res, nil
}

// List returns jobs matching the filter, newest first.
func (s StatusService) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	return s.Jobs.List(ctx, f)
}

// Cancel moves a non-terminal job to cancelled and broadcasts a revoke
// so a worker already holding the task stops at its next checkpoint.
func (s StatusService) Cancel(ctx context.Context, id string, actor Actor) error {
	prev, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Jobs.Cancel(ctx, id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.auditCancel(ctx, actor, id, domain.OutcomeDenied, prev.Status)
		}
		return err
	}
	if err := s.Queue.Revoke(ctx, id); err != nil {
		// Best effort: the row is already cancelled, the worker's own
		// status check catches the rest.
		slog.Warn("revoke broadcast failed", slog.String("job_id", id), slog.Any("error", err))
	}
	s.auditCancel(ctx, actor, id, domain.OutcomeSuccess, prev.Status)
	slog.Info("job cancelled", slog.String("job_id", id), slog.String("was", string(prev.Status)))
	return nil
}

func (s StatusService) auditCancel(ctx context.Context, actor Actor, id string, outcome domain.AuditOutcome, was domain.JobStatus) {
	if s.Audit == nil {
		return
	}
	e := actor.event("job.cancel", "job", id)
	e.Outcome = outcome
	e.PreviousState = map[string]string{"status": string(was)}
	e.NewState = map[string]string{"status": string(domain.JobCancelled)}
	if _, err := s.Audit.Log(ctx, e); err != nil {
		slog.Error("audit append failed", slog.String("action", "job.cancel"), slog.Any("error", err))
	}
}

// ListErrors returns recorded failures, optionally filtered by
// resolution state.
func (s StatusService) ListErrors(ctx context.Context, resolved *bool, limit int) ([]domain.ErrorLog, error) {
	return s.Jobs.ListErrors(ctx, resolved, limit)
}
