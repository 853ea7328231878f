package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/stream"
)

type fakeAppender struct {
	mu       sync.Mutex
	events   []chat.EnrichedChatEvent
	seen     map[uuid.UUID]bool
	failures int // transient failures to return before succeeding
	attempts int
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{seen: map[uuid.UUID]bool{}}
}

func (f *fakeAppender) Append(_ context.Context, event chat.EnrichedChatEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return gocql.ErrNoConnections
	}
	if f.seen[event.MessageID] {
		return nil // idempotent, same as IF NOT EXISTS
	}
	f.seen[event.MessageID] = true
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAppender) rows() []chat.EnrichedChatEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.EnrichedChatEvent(nil), f.events...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func testEvent(scope chat.ScopeKey, text string) chat.ChatEvent {
	return chat.ChatEvent{
		MessageID:   uuid.New(),
		Scope:       scope,
		SenderID:    "user-a",
		Text:        text,
		CreatedAt:   time.Now().UTC(),
		OriginPodID: "pod-1",
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Cooldown: 5 * time.Millisecond}
}

func fastConfig() WriterConfig {
	return WriterConfig{Retry: fastPolicy()}
}

// assertCommittedThrough verifies the group's committed offsets by attaching
// a fresh member and checking what it would re-read.
func remainingForGroup(t *testing.T, broker *stream.MemoryBroker, group string) int {
	t.Helper()
	c := broker.Consumer(group)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	recs, err := c.Poll(ctx)
	if err != nil {
		return 0 // nothing left, Poll blocked until the deadline
	}
	return len(recs)
}

func TestWriterAppendsInOrderAndCommits(t *testing.T) {
	broker := stream.NewMemoryBroker("chat-events", 1)
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"}
	for i := 0; i < 3; i++ {
		_, _, err := broker.Publisher().Produce(context.Background(), testEvent(scope, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	store := newFakeAppender()
	w := NewWriter(broker.Consumer("history-writer"), store, fastConfig(), zerolog.Nop())
	w.Start()
	waitFor(t, func() bool { return len(store.rows()) == 3 }, "writer never drained the batch")
	w.Stop()

	rows := store.rows()
	assert.Equal(t, "m0", rows[0].Text)
	assert.Equal(t, "m1", rows[1].Text)
	assert.Equal(t, "m2", rows[2].Text)
	assert.Equal(t, int64(0), rows[0].Offset)
	assert.Equal(t, 0, remainingForGroup(t, broker, "history-writer"), "offsets must be committed after durable append")
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	broker := stream.NewMemoryBroker("chat-events", 1)
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"}
	_, _, err := broker.Publisher().Produce(context.Background(), testEvent(scope, "flaky"))
	require.NoError(t, err)

	store := newFakeAppender()
	store.failures = 2 // fails twice inside one cycle, then lands
	w := NewWriter(broker.Consumer("history-writer"), store, fastConfig(), zerolog.Nop())
	w.Start()
	waitFor(t, func() bool { return len(store.rows()) == 1 }, "writer never recovered from transient failures")
	w.Stop()

	assert.Equal(t, 3, store.attempts)
	assert.Equal(t, 0, remainingForGroup(t, broker, "history-writer"))
}

func TestWriterRestartReplaysUncommittedWithoutDuplicateRows(t *testing.T) {
	broker := stream.NewMemoryBroker("chat-events", 1)
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"}
	_, _, err := broker.Publisher().Produce(context.Background(), testEvent(scope, "once"))
	require.NoError(t, err)

	// First writer run: the store never comes up, so nothing is committed.
	down := newFakeAppender()
	down.failures = 1 << 20
	w1 := NewWriter(broker.Consumer("history-writer"), down, fastConfig(), zerolog.Nop())
	w1.Start()
	waitFor(t, func() bool {
		down.mu.Lock()
		defer down.mu.Unlock()
		return down.attempts >= 4 // past one full cycle, into the cooldown loop
	}, "writer gave up instead of pausing and retrying")
	w1.Stop()
	assert.Equal(t, 1, remainingForGroup(t, broker, "history-writer"), "offset must not be committed while the write is failing")

	// Restart with a healthy store: the record replays and lands exactly once.
	store := newFakeAppender()
	w2 := NewWriter(broker.Consumer("history-writer"), store, fastConfig(), zerolog.Nop())
	w2.Start()
	waitFor(t, func() bool { return len(store.rows()) == 1 }, "replayed record never landed")
	w2.Stop()

	assert.Len(t, store.rows(), 1)
	assert.Equal(t, 0, remainingForGroup(t, broker, "history-writer"))
}

func TestWriterSkipsPoisonAndKeepsGoing(t *testing.T) {
	broker := stream.NewMemoryBroker("chat-events", 1)
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"}
	broker.Inject([]byte(scope.String()), []byte("{not valid json"))
	_, _, err := broker.Publisher().Produce(context.Background(), testEvent(scope, "after poison"))
	require.NoError(t, err)

	store := newFakeAppender()
	w := NewWriter(broker.Consumer("history-writer"), store, fastConfig(), zerolog.Nop())
	w.Start()
	waitFor(t, func() bool { return len(store.rows()) == 1 }, "writer stalled on the poison record")
	w.Stop()

	rows := store.rows()
	assert.Equal(t, "after poison", rows[0].Text)
	assert.Equal(t, 0, remainingForGroup(t, broker, "history-writer"), "poison must be committed past, not replayed forever")
}

func TestPoisonPreviewIsBounded(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nil, nil, WriterConfig{Retry: fastPolicy(), MaxPayloadLogBytes: 16}, zerolog.New(&buf))

	payload := []byte(strings.Repeat("x", 1000))
	w.skipPoison(&kgo.Record{Value: payload, Partition: 0, Offset: 9}, errors.New("invalid character 'x'"))

	line := buf.String()
	assert.Contains(t, line, `"payload_bytes":1000`, "the full size is still reported")
	assert.Contains(t, line, strings.Repeat("x", 16))
	assert.NotContains(t, line, strings.Repeat("x", 17), "preview must stop at the configured cap")
}
