package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatify/chatify/internal/chat"
)

type fakeQuerier struct {
	scope  chat.ScopeKey
	from   time.Time
	to     time.Time
	limit  int
	result []chat.EnrichedChatEvent
}

func (f *fakeQuerier) Query(_ context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error) {
	f.scope, f.from, f.to, f.limit = scope, from, to, limit
	return f.result, nil
}

func TestQueryByScopeNormalizesRequest(t *testing.T) {
	scope := chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"}

	t.Run("defaults", func(t *testing.T) {
		store := &fakeQuerier{}
		r := NewReader(store, zerolog.Nop())

		before := time.Now().UTC()
		_, err := r.QueryByScope(context.Background(), scope, time.Time{}, time.Time{}, 0)
		require.NoError(t, err)

		assert.Equal(t, DefaultQueryLimit, store.limit)
		assert.True(t, store.from.IsZero(), "zero from means the beginning of time")
		assert.False(t, store.to.Before(before), "zero to means now")
	})

	t.Run("limit capped", func(t *testing.T) {
		store := &fakeQuerier{}
		r := NewReader(store, zerolog.Nop())

		_, err := r.QueryByScope(context.Background(), scope, time.Time{}, time.Now(), 10000)
		require.NoError(t, err)
		assert.Equal(t, MaxQueryLimit, store.limit)
	})

	t.Run("explicit range passed through", func(t *testing.T) {
		store := &fakeQuerier{}
		r := NewReader(store, zerolog.Nop())

		from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		_, err := r.QueryByScope(context.Background(), scope, from, to, 25)
		require.NoError(t, err)
		assert.Equal(t, from, store.from)
		assert.Equal(t, to, store.to)
		assert.Equal(t, 25, store.limit)
	})
}

func TestQueryByScopeRejectsBadRequests(t *testing.T) {
	r := NewReader(&fakeQuerier{}, zerolog.Nop())

	_, err := r.QueryByScope(context.Background(), chat.ScopeKey{Type: "Broadcast", ID: "x"}, time.Time{}, time.Time{}, 0)
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = r.QueryByScope(context.Background(), chat.ScopeKey{Type: chat.ScopeChannel, ID: "g"}, from, to, 0)
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestQueryByScopeUnknownScopeIsEmpty(t *testing.T) {
	store := &fakeQuerier{result: nil}
	r := NewReader(store, zerolog.Nop())

	out, err := r.QueryByScope(context.Background(), chat.ScopeKey{Type: chat.ScopeDirectMessage, ID: "nobody"}, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}
