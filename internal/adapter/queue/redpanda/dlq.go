package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// DLQEnvelope is the record body written to the dead-letter topic. It
// carries the original payload plus the failure summary for human
// review; nothing consumes it automatically.
type DLQEnvelope struct {
	JobID         string             `json:"job_id"`
	Payload       domain.TaskPayload `json:"payload"`
	ErrorType     string             `json:"error_type"`
	FailureReason string             `json:"failure_reason"`
	RetryCount    int                `json:"retry_count"`
	MovedToDLQAt  time.Time          `json:"moved_to_dlq_at"`
}

// PublishDLQ copies a terminally failed envelope to the dead-letter
// topic.
func (p *Producer) PublishDLQ(ctx context.Context, env DLQEnvelope) error {
	if env.MovedToDLQAt.IsZero() {
		env.MovedToDLQAt = time.Now().UTC()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=queue.dlq: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicDLQ,
		Key:   []byte(env.JobID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.dlq: produce: %w", err)
	}
	slog.Info("envelope copied to dlq",
		slog.String("job_id", env.JobID),
		slog.String("error_type", env.ErrorType),
		slog.String("reason", env.FailureReason))
	return nil
}
