package redpanda

import (
	"context"
	"log/slog"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// taskRouter is the producer surface the retry manager needs.
type taskRouter interface {
	PublishDelayed(ctx context.Context, p domain.TaskPayload, queue string, priority int, delay time.Duration) error
	PublishDLQ(ctx context.Context, env DLQEnvelope) error
}

// RetryManager routes failed tasks: recoverable failures go back to the
// retry topic with exponential backoff, exhausted ones are copied to
// the dead-letter topic.
type RetryManager struct {
	router taskRouter
	config domain.RetryConfig
}

// NewRetryManager creates a retry manager over the given producer.
func NewRetryManager(producer *Producer, config domain.RetryConfig) *RetryManager {
	return &RetryManager{router: producer, config: config}
}

// ScheduleRetry re-publishes the payload to the retry topic. The
// payload's RetryCount must already be incremented; the backoff attempt
// is derived from it.
func (rm *RetryManager) ScheduleRetry(ctx context.Context, payload domain.TaskPayload, priority int) error {
	attempt := payload.RetryCount - 1
	if attempt < 0 {
		attempt = 0
	}
	delay := rm.config.Delay(attempt)
	slog.Info("scheduling retry",
		slog.String("job_id", payload.JobID),
		slog.Int("retry_count", payload.RetryCount),
		slog.Duration("delay", delay))
	return rm.router.PublishDelayed(ctx, payload, TopicRetry, priority, delay)
}

// Republish puts the payload back on the retry topic immediately,
// without backoff. Used after tier substitution and audio repair, where
// waiting buys nothing.
func (rm *RetryManager) Republish(ctx context.Context, payload domain.TaskPayload, priority int) error {
	return rm.router.PublishDelayed(ctx, payload, TopicRetry, priority, 0)
}

// MoveToDLQ copies the terminal failure envelope to the dead-letter
// topic.
func (rm *RetryManager) MoveToDLQ(ctx context.Context, payload domain.TaskPayload, errorType, reason string) error {
	return rm.router.PublishDLQ(ctx, DLQEnvelope{
		JobID:         payload.JobID,
		Payload:       payload,
		ErrorType:     errorType,
		FailureReason: reason,
		RetryCount:    payload.RetryCount,
		MovedToDLQAt:  time.Now().UTC(),
	})
}

// Exhausted reports whether the payload's retry budget is spent. The
// payload's RetryCount must already include the attempt being weighed,
// matching the contract of ScheduleRetry.
func (rm *RetryManager) Exhausted(payload domain.TaskPayload) bool {
	return payload.RetryCount >= rm.config.MaxRetries
}
