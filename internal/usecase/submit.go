// Package usecase holds the application services between the HTTP and
// broker edges and the domain ports.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// Actor identifies who triggered an operation, for the audit trail.
type Actor struct {
	UserID    string
	APIKeyFP  string
	IP        string
	UserAgent string
	RequestID string
}

func (a Actor) event(action, resourceType, resourceID string) domain.AuditEvent {
	return domain.AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       a.UserID,
		APIKeyFP:     a.APIKeyFP,
		IP:           a.IP,
		UserAgent:    a.UserAgent,
		RequestID:    a.RequestID,
	}
}

// MaxPriority bounds the job priority range [0, MaxPriority].
const MaxPriority = 9

// SubmitInput is one upload already staged on disk.
type SubmitInput struct {
	Filename      string
	FilePath      string
	FileSizeBytes int64
	ModelTier     domain.Tier
	Language      string
	Priority      int
	Actor         Actor
}

// SubmitService accepts uploads, persists the job and enqueues the
// transcription task.
type SubmitService struct {
	Jobs  domain.JobStore
	Queue domain.Queue
	Audit domain.AuditLog
	// Route maps a job priority to its queue name.
	Route       func(priority int) string
	DefaultTier domain.Tier
	MaxRetries  int
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobStore, queue domain.Queue, audit domain.AuditLog, route func(int) string, defaultTier domain.Tier, maxRetries int) SubmitService {
	return SubmitService{Jobs: jobs, Queue: queue, Audit: audit, Route: route, DefaultTier: defaultTier, MaxRetries: maxRetries}
}

// Submit validates the input, creates the job in pending state and
// publishes the task. The returned id is the job id.
func (s SubmitService) Submit(ctx context.Context, in SubmitInput) (string, error) {
	tier := in.ModelTier
	if tier == "" {
		tier = s.DefaultTier
	}
	if !domain.ValidTier(tier) {
		return "", fmt.Errorf("op=submit: model tier %q: %w", tier, domain.ErrInvalidArgument)
	}
	if in.Priority < 0 || in.Priority > MaxPriority {
		return "", fmt.Errorf("op=submit: priority %d out of [0,%d]: %w", in.Priority, MaxPriority, domain.ErrInvalidArgument)
	}
	if in.Filename == "" || in.FilePath == "" {
		return "", fmt.Errorf("op=submit: missing file: %w", domain.ErrInvalidArgument)
	}

	id, err := s.Jobs.CreateJob(ctx, domain.Job{
		Status:        domain.JobPending,
		Filename:      in.Filename,
		FilePath:      in.FilePath,
		FileSizeBytes: in.FileSizeBytes,
		ModelTier:     tier,
		Language:      in.Language,
		Priority:      in.Priority,
		MaxRetries:    s.MaxRetries,
	})
	if err != nil {
		return "", err
	}

	payload := domain.TaskPayload{
		JobID:     id,
		FilePath:  in.FilePath,
		ModelTier: tier,
		Language:  in.Language,
	}
	queue := s.Route(in.Priority)
	if _, err := s.Queue.Publish(ctx, payload, queue, in.Priority); err != nil {
		// The row stays pending; the stuck-job sweeper or a resubmit
		// picks it up, so the upload is not lost.
		slog.Error("task publish failed after job create",
			slog.String("job_id", id), slog.Any("error", err))
		s.audit(ctx, in.Actor, id, domain.OutcomeError, queue)
		return id, fmt.Errorf("op=submit: enqueue job %s: %w", id, err)
	}

	s.audit(ctx, in.Actor, id, domain.OutcomeSuccess, queue)
	slog.Info("job submitted",
		slog.String("job_id", id),
		slog.String("model_tier", string(tier)),
		slog.String("queue", queue),
		slog.Int("priority", in.Priority))
	return id, nil
}

func (s SubmitService) audit(ctx context.Context, actor Actor, jobID string, outcome domain.AuditOutcome, queue string) {
	if s.Audit == nil {
		return
	}
	e := actor.event("job.create", "job", jobID)
	e.Outcome = outcome
	e.NewState = map[string]string{
		"status": string(domain.JobPending),
		"queue":  queue,
	}
	if _, err := s.Audit.Log(ctx, e); err != nil {
		slog.Error("audit append failed", slog.String("action", "job.create"), slog.Any("error", err))
	}
}

// ParsePriority reads a priority given as a form value or header.
// Empty means the default priority.
func ParsePriority(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 0 || p > MaxPriority {
		return 0, fmt.Errorf("op=submit: priority %q: %w", raw, domain.ErrInvalidArgument)
	}
	return p, nil
}
