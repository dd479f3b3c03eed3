package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// QueueDepths reports per-topic consumer lag for the worker group:
// end offset minus committed offset summed over partitions. Topics the
// group has never committed count their full end offset.
func QueueDepths(ctx context.Context, client *kgo.Client, groupID string, topics []string) (map[string]int64, error) {
	metaReq := kmsg.NewMetadataRequest()
	for _, topic := range topics {
		t := kmsg.NewMetadataRequestTopic()
		topicCopy := topic
		t.Topic = &topicCopy
		metaReq.Topics = append(metaReq.Topics, t)
	}
	metaResp, err := metaReq.RequestWith(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("op=queue.depths: metadata: %w", err)
	}

	partitions := make(map[string][]int32)
	for _, t := range metaResp.Topics {
		if t.Topic == nil || t.ErrorCode != 0 {
			continue
		}
		for _, p := range t.Partitions {
			partitions[*t.Topic] = append(partitions[*t.Topic], p.Partition)
		}
	}

	endOffsets, err := listEndOffsets(ctx, client, partitions)
	if err != nil {
		return nil, err
	}
	committed, err := fetchCommitted(ctx, client, groupID)
	if err != nil {
		return nil, err
	}

	depths := make(map[string]int64, len(topics))
	for _, topic := range topics {
		var lag int64
		for _, partition := range partitions[topic] {
			end := endOffsets[topic][partition]
			if c, ok := committed[topic][partition]; ok && c > 0 {
				if end > c {
					lag += end - c
				}
			} else {
				lag += end
			}
		}
		depths[topic] = lag
	}
	return depths, nil
}

func listEndOffsets(ctx context.Context, client *kgo.Client, partitions map[string][]int32) (map[string]map[int32]int64, error) {
	req := kmsg.NewListOffsetsRequest()
	for topic, parts := range partitions {
		t := kmsg.NewListOffsetsRequestTopic()
		t.Topic = topic
		for _, partition := range parts {
			p := kmsg.NewListOffsetsRequestTopicPartition()
			p.Partition = partition
			p.Timestamp = -1 // latest
			t.Partitions = append(t.Partitions, p)
		}
		req.Topics = append(req.Topics, t)
	}
	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("op=queue.depths: list offsets: %w", err)
	}
	out := make(map[string]map[int32]int64)
	for _, t := range resp.Topics {
		out[t.Topic] = make(map[int32]int64)
		for _, p := range t.Partitions {
			if p.ErrorCode == 0 {
				out[t.Topic][p.Partition] = p.Offset
			}
		}
	}
	return out, nil
}

func fetchCommitted(ctx context.Context, client *kgo.Client, groupID string) (map[string]map[int32]int64, error) {
	req := kmsg.NewOffsetFetchRequest()
	req.Group = groupID
	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("op=queue.depths: offset fetch: %w", err)
	}
	out := make(map[string]map[int32]int64)
	for _, t := range resp.Topics {
		out[t.Topic] = make(map[int32]int64)
		for _, p := range t.Partitions {
			if p.ErrorCode == 0 && p.Offset >= 0 {
				out[t.Topic][p.Partition] = p.Offset
			}
		}
	}
	return out, nil
}
