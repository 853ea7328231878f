package stream

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
)

// MemoryBroker is an in-process stand-in for the log, used by tests and by
// the UseInMemory dev mode. It preserves the properties the messaging plane
// leans on: keyed partitioning, per-partition append order and offsets, and
// independent per-group committed offsets (so a restarted consumer resumes
// where its group left off).
type MemoryBroker struct {
	topic      string
	partitions int32

	mu        sync.Mutex
	logs      [][]*kgo.Record
	committed map[string][]int64 // group -> next offset per partition
	notify    chan struct{}
}

// NewMemoryBroker creates a broker with the given partition count.
func NewMemoryBroker(topic string, partitions int32) *MemoryBroker {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBroker{
		topic:      topic,
		partitions: partitions,
		logs:       make([][]*kgo.Record, partitions),
		committed:  make(map[string][]int64),
		notify:     make(chan struct{}),
	}
}

// Publisher returns a Publisher appending to this broker.
func (b *MemoryBroker) Publisher() Publisher {
	return &memoryPublisher{broker: b}
}

// Consumer returns a new member of the given group, positioned at the
// group's committed offsets.
func (b *MemoryBroker) Consumer(group string) Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]int64, b.partitions)
	copy(positions, b.groupOffsetsLocked(group))
	return &memoryConsumer{broker: b, group: group, positions: positions}
}

func (b *MemoryBroker) groupOffsetsLocked(group string) []int64 {
	offsets, ok := b.committed[group]
	if !ok {
		offsets = make([]int64, b.partitions)
		b.committed[group] = offsets
	}
	return offsets
}

func (b *MemoryBroker) append(rec *kgo.Record) (int32, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	partition := PartitionForKey(rec.Key, b.partitions)
	offset := int64(len(b.logs[partition]))
	rec.Partition = partition
	rec.Offset = offset
	b.logs[partition] = append(b.logs[partition], rec)

	close(b.notify)
	b.notify = make(chan struct{})
	return partition, offset
}

// Inject appends raw bytes directly to the log, bypassing the producer's
// validation. Tests use it to plant poison payloads.
func (b *MemoryBroker) Inject(key, value []byte) (int32, int64) {
	return b.append(&kgo.Record{Topic: b.topic, Key: key, Value: value})
}

type memoryPublisher struct {
	broker *MemoryBroker
}

func (p *memoryPublisher) Produce(ctx context.Context, event chat.ChatEvent) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	rec, err := recordFor(p.broker.topic, event)
	if err != nil {
		return 0, 0, err
	}
	partition, offset := p.broker.append(rec)
	return partition, offset, nil
}

func (p *memoryPublisher) Close(context.Context) error { return nil }

type memoryConsumer struct {
	broker *MemoryBroker
	group  string

	mu        sync.Mutex
	positions []int64
	closed    bool
}

// Poll returns all records past this member's positions, blocking until at
// least one arrives or the context ends.
func (c *memoryConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, context.Canceled
		}
		c.broker.mu.Lock()
		var batch []*kgo.Record
		for p := int32(0); p < c.broker.partitions; p++ {
			log := c.broker.logs[p]
			for c.positions[p] < int64(len(log)) {
				batch = append(batch, log[c.positions[p]])
				c.positions[p]++
			}
		}
		wait := c.broker.notify
		c.broker.mu.Unlock()
		c.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Commit records the given offsets for the group, or, with no records, the
// member's current read positions.
func (c *memoryConsumer) Commit(_ context.Context, recs ...*kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	offsets := c.broker.groupOffsetsLocked(c.group)
	if len(recs) == 0 {
		copy(offsets, c.positions)
		return nil
	}
	for _, rec := range recs {
		if next := rec.Offset + 1; next > offsets[rec.Partition] {
			offsets[rec.Partition] = next
		}
	}
	return nil
}

func (c *memoryConsumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
