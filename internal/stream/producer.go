package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
)

// ProducerConfig holds the Kafka producer configuration.
type ProducerConfig struct {
	Brokers    []string
	Topic      string
	AckTimeout time.Duration // bound on waiting for the full-ISR ack, default 30s
	Logger     zerolog.Logger
}

// KafkaProducer publishes chat events to the log. One instance per pod,
// shared by every send pipeline; the underlying client is created lazily on
// first Produce and is safe for concurrent use.
//
// Client settings, all load-bearing for the ordering and durability
// guarantees:
//   - acks=all (full ISR) with idempotence on: a record is acknowledged once,
//     in order, per partition
//   - retries are unbounded up to the delivery timeout, the client retries
//     retriable broker errors itself
//   - snappy compression, ~5ms linger to coalesce bursts
//   - sticky key partitioner: every record of one scope lands on the same
//     partition forever
type KafkaProducer struct {
	cfg ProducerConfig
	log zerolog.Logger

	initOnce sync.Once
	initErr  error
	client   *kgo.Client
}

// NewKafkaProducer creates the producer shell. No connection is made until
// the first Produce.
func NewKafkaProducer(cfg ProducerConfig) *KafkaProducer {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	return &KafkaProducer{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "producer").Logger(),
	}
}

func (p *KafkaProducer) init() error {
	p.initOnce.Do(func() {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(p.cfg.Brokers...),
			kgo.DefaultProduceTopic(p.cfg.Topic),
			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.ProducerLinger(5*time.Millisecond),
			kgo.ProducerBatchCompression(kgo.SnappyCompression()),
			kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
			kgo.RecordDeliveryTimeout(p.cfg.AckTimeout),
		)
		if err != nil {
			p.initErr = fmt.Errorf("create kafka producer: %w", err)
			return
		}
		p.client = client
		p.log.Info().
			Strs("brokers", p.cfg.Brokers).
			Str("topic", p.cfg.Topic).
			Msg("Kafka producer created")
	})
	return p.initErr
}

// Produce publishes the event and returns its partition and offset. The
// event must already be stamped and valid; encoding failures surface as
// errors rather than panics.
func (p *KafkaProducer) Produce(ctx context.Context, event chat.ChatEvent) (int32, int64, error) {
	if err := p.init(); err != nil {
		return 0, 0, err
	}
	rec, err := recordFor(p.cfg.Topic, event)
	if err != nil {
		return 0, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()

	res := p.client.ProduceSync(ctx, rec)
	if err := res.FirstErr(); err != nil {
		monitoring.PublishFailures.Inc()
		return 0, 0, fmt.Errorf("produce to %s: %w", p.cfg.Topic, err)
	}
	monitoring.MessagesPublished.Inc()

	p.log.Debug().
		Str("message_id", event.MessageID.String()).
		Str("scope", event.Scope.String()).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Msg("Event published")
	return rec.Partition, rec.Offset, nil
}

// Close flushes outstanding records with a bounded deadline and releases the
// client. Called once on pod shutdown.
func (p *KafkaProducer) Close(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}
