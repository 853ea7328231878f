// Package stream is the log plane: the event producer, the per-pod broadcast
// consumer, and an in-process broker used for tests and single-binary dev
// mode. Both broker backends speak the same record shape, so the consumer
// loops and the history writer run unchanged on either.
package stream

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
)

// Publisher is the event producer contract (C4). Produce blocks until the
// log acknowledges the record and returns its coordinates.
type Publisher interface {
	Produce(ctx context.Context, event chat.ChatEvent) (partition int32, offset int64, err error)
	Close(ctx context.Context) error
}

// Consumer is one group member's view of the log. Poll returns the next
// batch of records, ordered within each partition. Commit with records marks
// exactly those records; Commit with none flushes whatever the backend has
// marked so far.
type Consumer interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, recs ...*kgo.Record) error
	Close()
}

// BroadcastGroup builds the per-pod consumer group id. Every pod sits in its
// own group, which turns the log into a pub-sub fan-out bus: each pod reads
// every partition.
func BroadcastGroup(prefix, podID string) string {
	return prefix + podID
}

// recordFor serializes an event into a log record. The key is the canonical
// scope key, so every event of one scope hashes to the same partition.
func recordFor(topic string, event chat.ChatEvent) (*kgo.Record, error) {
	payload, err := chat.EncodeEvent(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(event.Scope.String()),
		Value: payload,
	}, nil
}

// PartitionForKey is the in-memory broker's partitioner: FNV-1a over the
// key, stable across producer instances and process restarts. The Kafka path
// uses the client's murmur2 keyed partitioner, which has the same stability
// property.
func PartitionForKey(key []byte, partitions int32) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(partitions))
}
