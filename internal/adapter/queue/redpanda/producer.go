package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scribeworks/transcriptd/internal/adapter/observability"
	"github.com/scribeworks/transcriptd/internal/domain"
)

// Producer publishes task payloads and implements domain.Queue.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer and ensures all task topics exist.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: client: %w", err)
	}
	if err := EnsureTopics(context.Background(), client, 8); err != nil {
		slog.Warn("topic creation failed, continuing", slog.Any("error", err))
	}
	return &Producer{client: client}, nil
}

// Publish blocks until the broker accepts the record and returns the
// job id as the task id. The priority rides along as a record header.
func (p *Producer) Publish(ctx context.Context, payload domain.TaskPayload, queue string, priority int) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: queue,
		Key:   []byte(payload.JobID), // ordering per job
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(payload.JobID)},
			{Key: "priority", Value: []byte(strconv.Itoa(priority))},
			{Key: "retry_count", Value: []byte(strconv.Itoa(payload.RetryCount))},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return "", fmt.Errorf("op=queue.publish: produce %s: %w", queue, err)
	}
	observability.EnqueueJob(queue)
	slog.Info("task published",
		slog.String("job_id", payload.JobID),
		slog.String("topic", queue),
		slog.Int("retry_count", payload.RetryCount))
	return payload.JobID, nil
}

// PublishDelayed re-publishes after the delay elapses. The wait runs in
// a goroutine so a worker slot is not parked on it; delivery remains
// at-least-once because the broker redelivers the original on crash.
func (p *Producer) PublishDelayed(ctx context.Context, payload domain.TaskPayload, queue string, priority int, delay time.Duration) error {
	if delay <= 0 {
		_, err := p.Publish(ctx, payload, queue, priority)
		return err
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			slog.Warn("delayed publish abandoned",
				slog.String("job_id", payload.JobID),
				slog.Any("error", ctx.Err()))
			return
		case <-timer.C:
		}
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := p.Publish(pubCtx, payload, queue, priority); err != nil {
			slog.Error("delayed publish failed",
				slog.String("job_id", payload.JobID),
				slog.String("topic", queue),
				slog.Any("error", err))
		}
	}()
	slog.Info("task retry scheduled",
		slog.String("job_id", payload.JobID),
		slog.String("topic", queue),
		slog.Duration("delay", delay))
	return nil
}

// Revoke broadcasts a best-effort cancellation on the control topic.
// Workers that observe it cancel the in-flight task; correctness never
// depends on delivery.
func (p *Producer) Revoke(ctx context.Context, jobID string) error {
	record := &kgo.Record{
		Topic: TopicControl,
		Key:   []byte(jobID),
		Value: []byte(`{"op":"revoke","job_id":"` + jobID + `"}`),
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.revoke: %w", err)
	}
	slog.Info("revoke broadcast", slog.String("job_id", jobID))
	return nil
}

// Client exposes the underlying kgo client for admin queries.
func (p *Producer) Client() *kgo.Client { return p.client }

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
