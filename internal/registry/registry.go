// Package registry is the per-pod scope registry: an in-memory mapping from
// scope to the set of local connections joined to it. The broadcast consumer
// fans every log record out through Broadcast; the transport layer drives
// Join/Leave/LeaveAll on client frames and disconnects.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
)

// Connection is what the registry knows about a transport connection. The
// transport owns the connection's lifetime; Deliver must be non-blocking
// (queue or drop), never waiting on the peer.
type Connection interface {
	ID() string
	UserID() string
	Deliver(scope chat.ScopeKey, event chat.EnrichedChatEvent) error
}

// Registry maps scopes to local subscriber sets.
//
// The map is guarded by a single RWMutex. Broadcast takes a snapshot of the
// member set under the read lock and delivers outside it, so a slow Deliver
// never holds up joins/leaves and enumeration is safe under concurrent
// mutation.
type Registry struct {
	mu     sync.RWMutex
	scopes map[chat.ScopeKey]map[string]Connection

	dropCount atomic.Int64
	log       zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		scopes: make(map[chat.ScopeKey]map[string]Connection),
		log:    log.With().Str("component", "scope-registry").Logger(),
	}
}

// Join adds conn to the scope's subscriber set, creating the set if this is
// the scope's first local subscriber. Joining twice is a no-op.
func (r *Registry) Join(conn Connection, scope chat.ScopeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[string]Connection)
		r.scopes[scope] = set
	}
	set[conn.ID()] = conn
}

// Leave removes conn from the scope's subscriber set and drops the set once
// it is empty.
func (r *Registry) Leave(conn Connection, scope chat.ScopeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn.ID(), scope)
}

func (r *Registry) leaveLocked(connID string, scope chat.ScopeKey) {
	set, ok := r.scopes[scope]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.scopes, scope)
	}
}

// LeaveAll removes conn from every scope it joined. Called on disconnect;
// after it returns the connection is not visible to any Broadcast.
func (r *Registry) LeaveAll(conn Connection, joined []chat.ScopeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scope := range joined {
		r.leaveLocked(conn.ID(), scope)
	}
}

// Members returns a snapshot of the scope's current subscribers.
func (r *Registry) Members(scope chat.ScopeKey) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.scopes[scope]
	if len(set) == 0 {
		return nil
	}
	members := make([]Connection, 0, len(set))
	for _, conn := range set {
		members = append(members, conn)
	}
	return members
}

// Broadcast delivers the event to every local subscriber of its scope.
// Per-connection failures are counted and logged (sampled) but never abort
// the iteration; the caller's partition must keep moving.
func (r *Registry) Broadcast(scope chat.ScopeKey, event chat.EnrichedChatEvent) {
	members := r.Members(scope)
	if len(members) == 0 {
		return
	}

	delivered := 0
	for _, conn := range members {
		if err := conn.Deliver(scope, event); err != nil {
			monitoring.BroadcastDropped.WithLabelValues(monitoring.DropReasonDeliver).Inc()
			// Sampled: one warn per 100 drops keeps a hot scope from flooding
			// the logs.
			if drops := r.dropCount.Add(1); drops%100 == 1 {
				r.log.Warn().
					Err(err).
					Str("connection_id", conn.ID()).
					Str("scope", scope.String()).
					Str("message_id", event.MessageID.String()).
					Int64("total_drops", drops).
					Msg("Delivery to subscriber failed, skipping")
			}
			continue
		}
		delivered++
		monitoring.BroadcastDelivered.Inc()
	}

	r.log.Debug().
		Str("scope", scope.String()).
		Int("subscribers", len(members)).
		Int("delivered", delivered).
		Msg("Broadcast fanned out")
}
