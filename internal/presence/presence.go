// Package presence tracks which (pod, connection) pairs a user currently
// holds, in the shared key-value store. Liveness is TTL-based: every
// operation refreshes the key TTL, and a member whose score (last refresh
// time) falls behind the TTL is pruned. Presence is consulted for
// observability and directed delivery only; broadcast never depends on it.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
)

// DefaultTTL is the presence key TTL. Clients are expected to heartbeat at
// TTL/4 or faster.
const DefaultTTL = 60 * time.Second

// DefaultTimeout bounds each store round trip.
const DefaultTimeout = time.Second

// Store is the slice of the key-value store API presence needs. Satisfied by
// *redis.Client and by the command-result fakes in tests.
type Store interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Registry is the cluster-wide presence registry.
type Registry struct {
	rdb     Store
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a presence registry with the given member TTL.
func New(rdb Store, ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		rdb:     rdb,
		ttl:     ttl,
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     log.With().Str("component", "presence").Logger(),
	}
}

func userKey(userID string) string { return "presence:user:" + userID }

func routeKey(userID, connID string) string { return "route:" + userID + ":" + connID }

// EncodeMember builds the "{pod}:{conn}" sorted-set member. Pod and
// connection ids must not contain colons; ValidateMemberID enforces that at
// the hub boundary and again here.
func EncodeMember(podID, connID string) (string, error) {
	if err := chat.ValidateMemberID("pod_id", podID); err != nil {
		return "", err
	}
	if err := chat.ValidateMemberID("connection_id", connID); err != nil {
		return "", err
	}
	return podID + ":" + connID, nil
}

// DecodeMember splits a sorted-set member back into (pod, conn).
func DecodeMember(member string) (podID, connID string, err error) {
	podID, connID, ok := strings.Cut(member, ":")
	if !ok || podID == "" || connID == "" {
		return "", "", fmt.Errorf("malformed presence member %q", member)
	}
	return podID, connID, nil
}

// SetOnline upserts the member with the current time as score, refreshes the
// presence key TTL, and writes the route key.
func (p *Registry) SetOnline(ctx context.Context, userID, podID, connID string) error {
	member, err := EncodeMember(podID, connID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := userKey(userID)
	score := float64(p.now().Unix())
	if err := p.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("presence zadd: %w", err)
	}
	// TTL refreshes are fire-and-forget: liveness degrades to the old TTL if
	// one is lost.
	if err := p.rdb.Expire(ctx, key, p.ttl).Err(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("Presence TTL refresh failed")
	}
	if err := p.rdb.Set(ctx, routeKey(userID, connID), podID, p.ttl).Err(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Str("connection_id", connID).Msg("Route key write failed")
	}
	return nil
}

// Heartbeat refreshes the member's score and TTLs. Identical to SetOnline;
// expected at TTL/4 or faster.
func (p *Registry) Heartbeat(ctx context.Context, userID, podID, connID string) error {
	return p.SetOnline(ctx, userID, podID, connID)
}

// SetOffline removes the member and its route key, deleting the presence key
// eagerly once the set is empty.
func (p *Registry) SetOffline(ctx context.Context, userID, podID, connID string) error {
	member, err := EncodeMember(podID, connID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := userKey(userID)
	if err := p.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("presence zrem: %w", err)
	}
	if err := p.rdb.Del(ctx, routeKey(userID, connID)).Err(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Str("connection_id", connID).Msg("Route key delete failed")
	}
	n, err := p.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence zcard: %w", err)
	}
	if n == 0 {
		if err := p.rdb.Del(ctx, key).Err(); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("Presence key delete failed")
		}
	}
	return nil
}

// GetConnections returns the user's live connection ids in ascending score
// order (least recently refreshed first). Members older than the TTL are
// pruned on the way; the key TTL reclaims the rest even if no one ever reads.
func (p *Registry) GetConnections(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := userKey(userID)
	cutoff := p.now().Add(-p.ttl).Unix()
	if err := p.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("Stale presence prune failed")
	}
	members, err := p.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence zrangebyscore: %w", err)
	}

	conns := make([]string, 0, len(members))
	for _, m := range members {
		_, connID, err := DecodeMember(m)
		if err != nil {
			p.log.Warn().Str("member", m).Msg("Skipping malformed presence member")
			continue
		}
		conns = append(conns, connID)
	}
	return conns, nil
}
