package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatify/chatify/internal/chat"
)

// fakeStore evaluates the fixed-window script in memory against a fake
// clock. EvalSha behaves as if the script were already cached.
type fakeStore struct {
	now    time.Time
	counts map[string]int
	expiry map[string]time.Time
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:    time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		counts: make(map[string]int),
		expiry: make(map[string]time.Time),
	}
}

func (f *fakeStore) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fakeStore) run(keys []string, args []interface{}) *redis.Cmd {
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	key := keys[0]
	threshold := args[0].(int)
	window := time.Duration(args[1].(int)) * time.Second

	if exp, ok := f.expiry[key]; ok && !f.now.Before(exp) {
		delete(f.counts, key)
		delete(f.expiry, key)
	}
	if f.counts[key] >= threshold {
		return redis.NewCmdResult(int64(0), nil)
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		f.expiry[key] = f.now.Add(window)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeStore) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}

func (f *fakeStore) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeStore) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestKeyFormatIncludesWindow(t *testing.T) {
	l := New(newFakeStore(), 100, 60*time.Second, zerolog.Nop())
	assert.Equal(t, "rl:user-d:SendMessage:60", l.Key("user-d"))

	l = New(newFakeStore(), 100, 30*time.Second, zerolog.Nop())
	assert.Equal(t, "rl:user-d:SendMessage:30", l.Key("user-d"))
}

func TestAllowUpToThresholdThenDeny(t *testing.T) {
	store := newFakeStore()
	l := New(store, 3, 60*time.Second, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "user-d"))
	}
	err := l.Allow(ctx, "user-d")
	require.Error(t, err)
	assert.Equal(t, chat.KindRateLimitExceeded, chat.KindOf(err))

	// Window expires relative to the first send, denials do not extend it.
	store.advance(61 * time.Second)
	assert.NoError(t, l.Allow(ctx, "user-d"))
}

func TestUsersAreIndependent(t *testing.T) {
	store := newFakeStore()
	l := New(store, 1, 60*time.Second, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-a"))
	require.Error(t, l.Allow(ctx, "user-a"))
	assert.NoError(t, l.Allow(ctx, "user-b"))
}

func TestStoreErrorIsConfigurationError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	l := New(store, 100, 60*time.Second, zerolog.Nop())

	err := l.Allow(context.Background(), "user-d")
	require.Error(t, err)
	assert.Equal(t, chat.KindConfiguration, chat.KindOf(err), "store failure must not silently allow")
}
