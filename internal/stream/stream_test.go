package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatify/chatify/internal/chat"
)

func event(scope chat.ScopeKey, text string) chat.ChatEvent {
	return chat.ChatEvent{
		MessageID:   uuid.New(),
		Scope:       scope,
		SenderID:    "user-a",
		Text:        text,
		CreatedAt:   time.Now().UTC(),
		OriginPodID: "pod-1",
	}
}

func TestPartitionForKeyStability(t *testing.T) {
	key := []byte("Channel:scope-1")
	first := PartitionForKey(key, 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, PartitionForKey(key, 8), "partitioner must be deterministic")
	}

	// Different producers (fresh calls) agree, and partitions stay in range.
	for i := 0; i < 50; i++ {
		p := PartitionForKey([]byte(fmt.Sprintf("Channel:scope-%d", i)), 8)
		assert.GreaterOrEqual(t, p, int32(0))
		assert.Less(t, p, int32(8))
	}
}

func TestMemoryBrokerPerScopeOrdering(t *testing.T) {
	broker := NewMemoryBroker("chat-events", 4)
	pub := broker.Publisher()
	ctx := context.Background()
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "scope-2"}

	var offsets []int64
	var partitions []int32
	for i := 0; i < 10; i++ {
		p, o, err := pub.Produce(ctx, event(scope, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		partitions = append(partitions, p)
		offsets = append(offsets, o)
	}
	for i := 1; i < 10; i++ {
		assert.Equal(t, partitions[0], partitions[i], "one scope, one partition")
		assert.Equal(t, offsets[i-1]+1, offsets[i], "offsets are contiguous per partition")
	}
}

func TestMemoryBrokerGroupsAreIndependent(t *testing.T) {
	broker := NewMemoryBroker("chat-events", 2)
	pub := broker.Publisher()
	ctx := context.Background()
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "s"}

	_, _, err := pub.Produce(ctx, event(scope, "m1"))
	require.NoError(t, err)
	_, _, err = pub.Produce(ctx, event(scope, "m2"))
	require.NoError(t, err)

	for _, group := range []string{"chatify-broadcast-pod-1", "chatify-broadcast-pod-2"} {
		c := broker.Consumer(group)
		recs, err := c.Poll(ctx)
		require.NoError(t, err)
		assert.Len(t, recs, 2, "group %s sees the full stream", group)
		c.Close()
	}
}

func TestMemoryBrokerResumesFromCommitted(t *testing.T) {
	broker := NewMemoryBroker("chat-events", 1)
	pub := broker.Publisher()
	ctx := context.Background()
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "s"}

	for i := 0; i < 3; i++ {
		_, _, err := pub.Produce(ctx, event(scope, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	c1 := broker.Consumer("writer")
	recs, err := c1.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Commit only the first record, then "crash".
	require.NoError(t, c1.Commit(ctx, recs[0]))
	c1.Close()

	c2 := broker.Consumer("writer")
	recs, err = c2.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2, "uncommitted records are re-read after restart")
	assert.Equal(t, int64(1), recs[0].Offset)
	c2.Close()
}

func TestMemoryBrokerPollBlocksUntilProduce(t *testing.T) {
	broker := NewMemoryBroker("chat-events", 1)
	c := broker.Consumer("g")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type collectingFanout struct {
	ch chan chat.EnrichedChatEvent
}

func (f *collectingFanout) Broadcast(_ chat.ScopeKey, ev chat.EnrichedChatEvent) {
	f.ch <- ev
}

func TestBroadcastSkipsPoisonAndDeliversRest(t *testing.T) {
	broker := NewMemoryBroker("chat-events", 1)
	fanout := &collectingFanout{ch: make(chan chat.EnrichedChatEvent, 16)}

	bc := NewBroadcast(broker.Consumer("chatify-broadcast-pod-1"), fanout, zerolog.Nop())
	bc.Start()
	defer bc.Stop()

	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "s"}
	broker.Inject([]byte(scope.String()), []byte("not-json"))
	sent := event(scope, "after poison")
	_, _, err := broker.Publisher().Produce(context.Background(), sent)
	require.NoError(t, err)

	select {
	case got := <-fanout.ch:
		assert.Equal(t, sent.MessageID, got.MessageID)
		assert.Equal(t, "after poison", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("valid record after poison was never delivered")
	}
	select {
	case got := <-fanout.ch:
		t.Fatalf("unexpected extra delivery: %v", got.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}
