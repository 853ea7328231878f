package send

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatify/chatify/internal/chat"
)

type fakeLimiter struct {
	err   error
	calls int
}

func (f *fakeLimiter) Allow(context.Context, string) error {
	f.calls++
	return f.err
}

type fakePublisher struct {
	err       error
	partition int32
	offset    int64
	produced  []chat.ChatEvent
}

func (f *fakePublisher) Produce(_ context.Context, event chat.ChatEvent) (int32, int64, error) {
	f.produced = append(f.produced, event)
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.partition, f.offset, nil
}

func (f *fakePublisher) Close(context.Context) error { return nil }

func newTestPipeline(limiter *fakeLimiter, pub *fakePublisher) *Pipeline {
	p := NewPipeline(limiter, pub, "pod-1", zerolog.Nop())
	p.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	p.newID = func() uuid.UUID { return uuid.MustParse("6f1c24b5-9b1e-4a53-8f0d-3f2a17f6d2a1") }
	return p
}

func validRequest() Request {
	return Request{
		SenderID: "user-a",
		Scope:    chat.ScopeKey{Type: chat.ScopeChannel, ID: "general"},
		Text:     "hello",
	}
}

func TestSendStampsAndPublishes(t *testing.T) {
	limiter := &fakeLimiter{}
	pub := &fakePublisher{partition: 3, offset: 42}
	p := newTestPipeline(limiter, pub)

	got, err := p.Send(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse("6f1c24b5-9b1e-4a53-8f0d-3f2a17f6d2a1"), got.MessageID)
	assert.Equal(t, "pod-1", got.OriginPodID)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), got.CreatedAt)
	assert.Equal(t, int32(3), got.Partition)
	assert.Equal(t, int64(42), got.Offset)
	require.Len(t, pub.produced, 1)
	assert.Equal(t, "hello", pub.produced[0].Text)
}

func TestSendValidationRejectsBeforeRateLimit(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty sender", func(r *Request) { r.SenderID = "" }},
		{"oversized sender", func(r *Request) { r.SenderID = strings.Repeat("a", 257) }},
		{"unknown scope type", func(r *Request) { r.Scope.Type = "Broadcast" }},
		{"empty scope id", func(r *Request) { r.Scope.ID = "" }},
		{"oversized text", func(r *Request) { r.Text = strings.Repeat("x", 4097) }},
		{"invalid utf8 text", func(r *Request) { r.Text = "ok\xff" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &fakeLimiter{}
			pub := &fakePublisher{}
			p := newTestPipeline(limiter, pub)

			req := validRequest()
			tt.mutate(&req)
			_, err := p.Send(context.Background(), req)

			assert.Equal(t, chat.KindValidation, chat.KindOf(err))
			assert.Zero(t, limiter.calls, "invalid request must not consume rate budget")
			assert.Empty(t, pub.produced)
		})
	}
}

func TestSendAllowsEmptyText(t *testing.T) {
	limiter := &fakeLimiter{}
	pub := &fakePublisher{}
	p := newTestPipeline(limiter, pub)

	req := validRequest()
	req.Text = ""
	got, err := p.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, got.Text)
	require.Len(t, pub.produced, 1)
	assert.Equal(t, 1, limiter.calls, "an empty message still consumes rate budget")
}

func TestSendRateLimitedNeverPublishes(t *testing.T) {
	limiter := &fakeLimiter{err: chat.NewRateLimitError("message rate limit exceeded")}
	pub := &fakePublisher{}
	p := newTestPipeline(limiter, pub)

	_, err := p.Send(context.Background(), validRequest())
	assert.Equal(t, chat.KindRateLimitExceeded, chat.KindOf(err))
	assert.Empty(t, pub.produced)
}

func TestSendLimiterStoreErrorSurfaces(t *testing.T) {
	limiter := &fakeLimiter{err: chat.NewConfigurationError("rate_limit_store_unreachable", "redis down", errors.New("dial tcp: refused"))}
	p := newTestPipeline(limiter, &fakePublisher{})

	_, err := p.Send(context.Background(), validRequest())
	assert.Equal(t, chat.KindConfiguration, chat.KindOf(err))
}

func TestSendPublishFailureWrapped(t *testing.T) {
	cause := errors.New("broker unreachable")
	pub := &fakePublisher{err: cause}
	p := newTestPipeline(&fakeLimiter{}, pub)

	_, err := p.Send(context.Background(), validRequest())
	assert.Equal(t, chat.KindEventProductionFailed, chat.KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestSendRejectsMisconfiguredPod(t *testing.T) {
	for _, podID := range []string{"", "pod:1"} {
		limiter := &fakeLimiter{}
		p := NewPipeline(limiter, &fakePublisher{}, podID, zerolog.Nop())

		_, err := p.Send(context.Background(), validRequest())
		assert.Equal(t, chat.KindConfiguration, chat.KindOf(err), "pod id %q", podID)
		assert.Zero(t, limiter.calls)
	}
}
