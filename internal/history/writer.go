package history

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
	"github.com/chatify/chatify/internal/stream"
)

// defaultMaxPayloadLogBytes bounds how much of a poison payload reaches the
// logs when no limit is configured.
const defaultMaxPayloadLogBytes = 256

// Appender is the store-side surface the writer needs.
type Appender interface {
	Append(ctx context.Context, event chat.EnrichedChatEvent) error
}

// WriterConfig tunes the writer's failure handling.
type WriterConfig struct {
	Retry              RetryPolicy
	MaxPayloadLogBytes int // poison payload preview cap, default 256
}

// Writer is the history writer (C6): the shared-group consumer that drains
// the event log into the columnar store. All writer pods share one group, so
// each partition has exactly one writer at a time.
//
// Offsets are committed manually, only after the whole polled batch is
// durable in the store. A crash between append and commit replays the batch;
// the store's IF NOT EXISTS append makes the replay harmless. The loop
// therefore guarantees at-least-once consumption and exactly-once rows.
//
// Two failure classes get opposite treatment: a record that cannot be
// decoded is logged (payload truncated) and committed past, because it will
// never succeed; a store failure is retried with backoff, and when a cycle
// exhausts its attempts the writer pauses and retries the same record again,
// without committing, for as long as it takes.
type Writer struct {
	consumer        stream.Consumer
	store           Appender
	policy          RetryPolicy
	maxPayloadBytes int
	log             zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter wires a shared-group consumer to the store.
func NewWriter(consumer stream.Consumer, store Appender, cfg WriterConfig, log zerolog.Logger) *Writer {
	if cfg.MaxPayloadLogBytes <= 0 {
		cfg.MaxPayloadLogBytes = defaultMaxPayloadLogBytes
	}
	return &Writer{
		consumer:        consumer,
		store:           store,
		policy:          cfg.Retry,
		maxPayloadBytes: cfg.MaxPayloadLogBytes,
		log:             log.With().Str("component", "history-writer").Logger(),
	}
}

// Start launches the consume loop.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Writer) run(ctx context.Context) {
	defer monitoring.RecoverPanic(w.log, "historyWriter", nil)
	defer w.wg.Done()

	for {
		recs, err := w.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Poll failed")
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if err := w.processBatch(ctx, recs); err != nil {
			return // context ended mid-batch; nothing committed past the durable prefix
		}
		if err := w.consumer.Commit(ctx, recs...); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The rows are durable; a failed commit only means the batch may
			// replay, which the idempotent append absorbs.
			w.log.Warn().Err(err).Int("records", len(recs)).Msg("Offset commit failed")
		}
	}
}

// processBatch appends every decodable record of the batch, in order. It
// returns an error only when the context ends; store trouble is handled
// inside by retrying indefinitely.
func (w *Writer) processBatch(ctx context.Context, recs []*kgo.Record) error {
	for i := 0; i < len(recs); {
		rec := recs[i]
		event, err := chat.DecodeEvent(rec.Value)
		if err != nil {
			w.skipPoison(rec, err)
			i++
			continue
		}

		if err := w.appendCycle(ctx, event.Enriched(rec.Partition, rec.Offset)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error().
				Err(err).
				Int32("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Dur("cooldown", w.policy.Cooldown).
				Msg("Store write attempts exhausted, pausing before retrying the batch")
			if !sleepCtx(ctx, w.policy.Cooldown) {
				return ctx.Err()
			}
			continue // same record, same offset, nothing committed
		}
		monitoring.HistoryWritten.Inc()
		i++
	}
	return nil
}

// appendCycle runs one bounded retry cycle over a single append.
func (w *Writer) appendCycle(ctx context.Context, event chat.EnrichedChatEvent) error {
	op := func() error {
		err := w.store.Append(ctx, event)
		if err == nil {
			return nil
		}
		if !Transient(err) && ctx.Err() == nil {
			// Permanent store errors (bad schema, auth) are operator problems;
			// stop the cycle now, the outer cooldown loop keeps the offset held.
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		monitoring.HistoryRetries.Inc()
		w.log.Warn().
			Err(err).
			Str("message_id", event.MessageID.String()).
			Dur("next_attempt_in", next).
			Msg("Store write failed, retrying")
	}
	return backoff.RetryNotify(op, w.policy.backoff(ctx), notify)
}

func (w *Writer) skipPoison(rec *kgo.Record, err error) {
	monitoring.HistoryPoison.Inc()
	preview := rec.Value
	if len(preview) > w.maxPayloadBytes {
		preview = preview[:w.maxPayloadBytes]
	}
	w.log.Error().
		Err(err).
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Int("payload_bytes", len(rec.Value)).
		Bytes("payload_preview", preview).
		Msg("Skipping undecodable record")
}

// Stop cancels the loop and closes the consumer. Offsets for any batch in
// flight stay uncommitted and replay on the next start.
func (w *Writer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.consumer.Close()
	w.log.Info().Msg("History writer stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
