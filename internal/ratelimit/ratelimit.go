// Package ratelimit implements the cluster-wide fixed-window send limiter.
// The check-and-increment runs as a single server-side script in the shared
// key-value store, so all pods share one atomic counter per user and window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
)

// Operation is the operation segment of the counter key. Only sends are
// limited today.
const Operation = "SendMessage"

// DefaultTimeout bounds the store round trip.
const DefaultTimeout = time.Second

// checkAndIncr is evaluated atomically at the store. The key expires one
// window after its first increment, which anchors the window at the first
// send: the counter can never outlive its window, and a denied call never
// extends it. Returns 1 for allowed, 0 for denied.
var checkAndIncr = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and tonumber(v) >= tonumber(ARGV[1]) then
  return 0
end
v = redis.call('INCR', KEYS[1])
if tonumber(v) == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// Limiter reserves send slots against the shared store.
type Limiter struct {
	rdb       redis.Scripter
	threshold int
	window    time.Duration
	timeout   time.Duration
	log       zerolog.Logger
}

// New creates a limiter with the given threshold per window. The window is
// truncated to whole seconds, matching the store's expiry resolution.
func New(rdb redis.Scripter, threshold int, window time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb:       rdb,
		threshold: threshold,
		window:    window.Truncate(time.Second),
		timeout:   DefaultTimeout,
		log:       log.With().Str("component", "rate-limiter").Logger(),
	}
}

// Key returns the counter key for a user. The window length is part of the
// key so a config change starts fresh counters instead of inheriting stale
// ones.
func (l *Limiter) Key(userID string) string {
	return fmt.Sprintf("rl:%s:%s:%d", userID, Operation, int(l.window.Seconds()))
}

// Allow reserves one send slot for the user. It returns nil when the slot is
// granted, a RateLimitExceeded error when the window is full, and a
// ConfigurationError when the store cannot be reached; an unreachable store
// never silently allows.
func (l *Limiter) Allow(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := checkAndIncr.Run(ctx, l.rdb, []string{l.Key(userID)}, l.threshold, int(l.window.Seconds())).Int()
	if err != nil {
		l.log.Error().Err(err).Str("user_id", userID).Msg("Rate limit store call failed")
		return chat.NewConfigurationError("rate_limit_store_unreachable", "rate limit store call failed", err)
	}
	if res != 1 {
		monitoring.RateLimitDenied.Inc()
		return chat.NewRateLimitError(fmt.Sprintf("user %s exceeded %d sends per %s", userID, l.threshold, l.window))
	}
	monitoring.RateLimitAllowed.Inc()
	return nil
}
