// Package redpanda provides the Redpanda/Kafka broker adapter: task
// publishing, the worker consumer group with late acknowledgement,
// delayed retries and the dead-letter queue.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Task topics. Priority routes between high and normal; retry carries
// delayed re-publishes; dlq holds terminal failures for human review.
const (
	TopicHigh    = "jobs.high"
	TopicNormal  = "jobs.normal"
	TopicRetry   = "jobs.retry"
	TopicDLQ     = "jobs.dlq"
	TopicControl = "jobs.control"
)

// highPriorityThreshold routes priorities at or above it to TopicHigh.
const highPriorityThreshold = 7

// WorkTopics are the topics the worker consumer group subscribes to.
func WorkTopics() []string { return []string{TopicHigh, TopicNormal, TopicRetry} }

// TopicForPriority maps a job priority in [0,9] to its topic.
func TopicForPriority(priority int) string {
	if priority >= highPriorityThreshold {
		return TopicHigh
	}
	return TopicNormal
}

// EnsureTopics creates every task topic, tolerating ones that already
// exist.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32) error {
	for _, topic := range []string{TopicHigh, TopicNormal, TopicRetry, TopicDLQ, TopicControl} {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, 1); err != nil {
			return fmt.Errorf("op=queue.ensure_topics: %s: %w", topic, err)
		}
	}
	return nil
}

// createTopicIfNotExists creates a topic through the admin API and
// treats TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("invalid partitions/replication for %s", topic)
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode != 0 {
			if t.ErrorCode == 36 {
				slog.Debug("topic already exists", slog.String("topic", t.Topic))
				continue
			}
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", t.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
