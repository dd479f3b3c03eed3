package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// Handler executes one consumed task. A nil return acknowledges the
// record; an error leaves it uncommitted so the broker redelivers it.
// Terminal failures must be absorbed by the handler (it re-publishes or
// fails the job itself) and return nil.
type Handler func(ctx context.Context, payload domain.TaskPayload, topic string) error

// Consumer pulls task records for the worker group. Offsets are
// committed only after the handler returns, so a worker crash mid-task
// redelivers the message to another slot.
type Consumer struct {
	client      *kgo.Client
	handler     Handler
	concurrency int
	groupID     string
	records     chan *kgo.Record
}

// NewConsumer constructs a Consumer over the work topics.
func NewConsumer(brokers []string, groupID string, concurrency int, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing group id")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(WorkTopics()...),
		// Late ack: offsets move only after the handler's terminal action.
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: client: %w", err)
	}
	return &Consumer{
		client:      client,
		handler:     handler,
		concurrency: concurrency,
		groupID:     groupID,
		records:     make(chan *kgo.Record),
	}, nil
}

// Start runs the poll loop and worker slots until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("consumer starting",
		slog.String("group_id", c.groupID),
		slog.Int("concurrency", c.concurrency))

	for i := 0; i < c.concurrency; i++ {
		go c.worker(ctx, i)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer shutting down")
			return ctx.Err()
		default:
		}
		fetches := c.client.PollRecords(ctx, c.concurrency*2)
		if fetches.IsClientClosed() {
			return fmt.Errorf("op=queue.consumer: client closed")
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.records <- record:
			case <-ctx.Done():
			}
		})
	}
}

// worker is one task slot: at most one in-flight message at a time.
func (c *Consumer) worker(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-c.records:
			if record == nil {
				return
			}
			c.handleRecord(ctx, record, slot)
		}
	}
}

func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record, slot int) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessTask")
	defer span.End()

	var payload domain.TaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// Poison message: ack it so it does not wedge the partition.
		slog.Error("dropping malformed task record",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		c.commit(ctx, record)
		return
	}

	slog.Info("task received",
		slog.String("job_id", payload.JobID),
		slog.String("topic", record.Topic),
		slog.Int("slot", slot),
		slog.Int("retry_count", payload.RetryCount))

	if err := c.handler(ctx, payload, record.Topic); err != nil {
		// Infrastructure failure before any terminal action; leave the
		// offset uncommitted for redelivery.
		slog.Error("task handling failed, leaving for redelivery",
			slog.String("job_id", payload.JobID),
			slog.Any("error", err))
		return
	}
	c.commit(ctx, record)
}

func (c *Consumer) commit(ctx context.Context, record *kgo.Record) {
	if err := c.client.CommitRecords(ctx, record); err != nil {
		slog.Error("offset commit failed",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
	}
}

// Close closes the consumer client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// ControlWatcher consumes the control topic and invokes the revoke
// callback for each observed cancellation. Each worker process uses its
// own group id so every process sees every revoke.
type ControlWatcher struct {
	client *kgo.Client
	revoke func(jobID string)
}

// NewControlWatcher subscribes to the control topic with a per-process
// group.
func NewControlWatcher(brokers []string, instanceID string, revoke func(jobID string)) (*ControlWatcher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup("transcriptd-control-"+instanceID),
		kgo.ConsumeTopics(TopicControl),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.control: client: %w", err)
	}
	return &ControlWatcher{client: client, revoke: revoke}, nil
}

// Start consumes revoke broadcasts until ctx is cancelled.
func (w *ControlWatcher) Start(ctx context.Context) error {
	for {
		fetches := w.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return fmt.Errorf("op=queue.control: client closed")
		}
		fetches.EachRecord(func(record *kgo.Record) {
			var msg struct {
				Op    string `json:"op"`
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(record.Value, &msg); err != nil {
				slog.Warn("malformed control record", slog.Any("error", err))
				return
			}
			if msg.Op == "revoke" && msg.JobID != "" {
				slog.Info("revoke observed", slog.String("job_id", msg.JobID))
				w.revoke(msg.JobID)
			}
		})
		if err := w.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("control offset commit failed", slog.Any("error", err))
		}
	}
}

// Close closes the watcher client.
func (w *ControlWatcher) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
