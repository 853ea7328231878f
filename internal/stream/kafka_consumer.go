package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConsumerConfig configures one consumer group member.
type KafkaConsumerConfig struct {
	Brokers []string
	Topic   string
	Group   string
	Logger  zerolog.Logger

	// ManualCommits disables autocommit; Commit(recs...) then commits exactly
	// the given records. The history writer runs this way so an offset is
	// never committed ahead of a durable append. The broadcast consumer keeps
	// autocommit (~5s) and commits the remainder on shutdown.
	ManualCommits bool

	// StartAtEnd makes a group with no committed offsets begin at the log
	// end. Used by broadcast: a fresh pod has no subscribers that could have
	// been promised older messages.
	StartAtEnd bool
}

// KafkaConsumer adapts a franz-go group client to the Consumer interface.
type KafkaConsumer struct {
	client *kgo.Client
	cfg    KafkaConsumerConfig
	log    zerolog.Logger
}

// NewKafkaConsumer joins the configured group.
func NewKafkaConsumer(cfg KafkaConsumerConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	log := cfg.Logger.With().Str("component", "consumer").Str("group", cfg.Group).Logger()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.FetchMaxWait(500 * time.Millisecond),
		kgo.SessionTimeout(30 * time.Second),
		kgo.RebalanceTimeout(60 * time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	}
	if cfg.ManualCommits {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	if cfg.StartAtEnd {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaConsumer{client: client, cfg: cfg, log: log}, nil
}

// Poll fetches the next batch. Fetch-level errors are logged and the healthy
// partitions' records still flow; only client closure ends the loop.
func (c *KafkaConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, ferr := range fetches.Errors() {
		c.log.Error().
			Err(ferr.Err).
			Str("topic", ferr.Topic).
			Int32("partition", ferr.Partition).
			Msg("Fetch error")
	}
	return fetches.Records(), nil
}

// Commit marks the given records, or flushes uncommitted offsets when called
// with none.
func (c *KafkaConsumer) Commit(ctx context.Context, recs ...*kgo.Record) error {
	if len(recs) > 0 {
		if err := c.client.CommitRecords(ctx, recs...); err != nil {
			return fmt.Errorf("commit records: %w", err)
		}
		return nil
	}
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Close leaves the group.
func (c *KafkaConsumer) Close() {
	c.client.Close()
}
