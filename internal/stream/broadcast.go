package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
)

// Fanout is the local delivery side of broadcast, implemented by the scope
// registry.
type Fanout interface {
	Broadcast(scope chat.ScopeKey, event chat.EnrichedChatEvent)
}

// Broadcast is the per-pod broadcast consumer (C5). Its group id is unique
// to the pod, so this pod reads every partition and forwards each record to
// the local scope registry. Records are processed in poll order, which is
// partition order, so subscribers of one scope see messages in send order.
//
// Failure stance: a record that does not decode is logged and skipped, and a
// subscriber that cannot keep up loses that delivery; neither ever stalls
// the partition.
type Broadcast struct {
	consumer Consumer
	fanout   Fanout
	log      zerolog.Logger

	commitEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcast wires a consumer to the local fanout.
func NewBroadcast(consumer Consumer, fanout Fanout, log zerolog.Logger) *Broadcast {
	return &Broadcast{
		consumer:    consumer,
		fanout:      fanout,
		log:         log.With().Str("component", "broadcast-consumer").Logger(),
		commitEvery: 5 * time.Second,
	}
}

// Start launches the consume loop.
func (b *Broadcast) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Broadcast) run(ctx context.Context) {
	defer monitoring.RecoverPanic(b.log, "broadcastConsumer", nil)
	defer b.wg.Done()

	lastCommit := time.Now()
	for {
		recs, err := b.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error().Err(err).Msg("Poll failed")
			continue
		}
		for _, rec := range recs {
			b.handleRecord(rec)
		}
		if time.Since(lastCommit) >= b.commitEvery {
			if err := b.consumer.Commit(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn().Err(err).Msg("Periodic offset commit failed")
			}
			lastCommit = time.Now()
		}
	}
}

func (b *Broadcast) handleRecord(rec *kgo.Record) {
	event, err := chat.DecodeEvent(rec.Value)
	if err != nil {
		monitoring.BroadcastDropped.WithLabelValues(monitoring.DropReasonDecode).Inc()
		b.log.Warn().
			Err(err).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Msg("Skipping undecodable record")
		return
	}
	b.fanout.Broadcast(event.Scope, event.Enriched(rec.Partition, rec.Offset))
}

// Stop cancels the loop, commits outstanding offsets, and closes the
// consumer.
func (b *Broadcast) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.consumer.Commit(ctx); err != nil {
		b.log.Warn().Err(err).Msg("Final offset commit failed")
	}
	b.consumer.Close()
	b.log.Info().Msg("Broadcast consumer stopped")
}
