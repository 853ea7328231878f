// Package hub ties the per-pod pieces together: it owns connection
// lifecycles and routes every client operation to the scope registry, the
// presence registry, the send pipeline, or the history reader.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
	"github.com/chatify/chatify/internal/registry"
	"github.com/chatify/chatify/internal/send"
)

// Presence is the cluster-wide presence surface the hub drives.
type Presence interface {
	SetOnline(ctx context.Context, userID, podID, connID string) error
	Heartbeat(ctx context.Context, userID, podID, connID string) error
	SetOffline(ctx context.Context, userID, podID, connID string) error
	GetConnections(ctx context.Context, userID string) ([]string, error)
}

// Sender runs one message through the send pipeline.
type Sender interface {
	Send(ctx context.Context, req send.Request) (chat.EnrichedChatEvent, error)
}

// HistorySource serves scope history pages.
type HistorySource interface {
	QueryByScope(ctx context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error)
}

type session struct {
	conn   registry.Connection
	scopes map[chat.ScopeKey]struct{}
}

// Hub is the per-pod front door. One instance per pod; safe for concurrent
// use by all connection goroutines.
type Hub struct {
	podID    string
	scopes   *registry.Registry
	presence Presence
	pipeline Sender
	history  HistorySource
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New wires the hub.
func New(podID string, scopes *registry.Registry, presence Presence, pipeline Sender, history HistorySource, log zerolog.Logger) *Hub {
	return &Hub{
		podID:    podID,
		scopes:   scopes,
		presence: presence,
		pipeline: pipeline,
		history:  history,
		log:      log.With().Str("component", "hub").Logger(),
		sessions: make(map[string]*session),
	}
}

// OnConnect registers the connection and marks the user online. The
// connection joins no scopes yet.
func (h *Hub) OnConnect(ctx context.Context, conn registry.Connection) error {
	if err := chat.ValidateMemberID("connection_id", conn.ID()); err != nil {
		return err
	}
	if err := chat.ValidateID("user_id", conn.UserID()); err != nil {
		return err
	}

	h.mu.Lock()
	if _, dup := h.sessions[conn.ID()]; dup {
		h.mu.Unlock()
		return chat.NewValidationError("duplicate_connection_id", "connection id already registered on this pod")
	}
	h.sessions[conn.ID()] = &session{conn: conn, scopes: make(map[chat.ScopeKey]struct{})}
	h.mu.Unlock()

	if err := h.presence.SetOnline(ctx, conn.UserID(), h.podID, conn.ID()); err != nil {
		// The connection still works for broadcast; presence will catch up on
		// the next heartbeat.
		h.log.Warn().Err(err).Str("user_id", conn.UserID()).Str("connection_id", conn.ID()).Msg("Presence set-online failed")
	}
	monitoring.ConnectionsActive.Inc()
	monitoring.ConnectionsTotal.Inc()
	h.log.Info().Str("user_id", conn.UserID()).Str("connection_id", conn.ID()).Msg("Connection registered")
	return nil
}

// OnDisconnect removes the connection from every scope it joined and marks
// the user offline. Idempotent.
func (h *Hub) OnDisconnect(ctx context.Context, conn registry.Connection) {
	h.mu.Lock()
	sess, ok := h.sessions[conn.ID()]
	delete(h.sessions, conn.ID())
	h.mu.Unlock()
	if !ok {
		return
	}

	joined := make([]chat.ScopeKey, 0, len(sess.scopes))
	for scope := range sess.scopes {
		joined = append(joined, scope)
	}
	h.scopes.LeaveAll(conn, joined)

	if err := h.presence.SetOffline(ctx, conn.UserID(), h.podID, conn.ID()); err != nil {
		// The TTL reclaims the member if this is never retried.
		h.log.Warn().Err(err).Str("user_id", conn.UserID()).Str("connection_id", conn.ID()).Msg("Presence set-offline failed")
	}
	monitoring.ConnectionsActive.Dec()
	h.log.Info().Str("user_id", conn.UserID()).Str("connection_id", conn.ID()).Msg("Connection removed")
}

// Join subscribes the connection to a scope. Joining twice is a no-op.
func (h *Hub) Join(conn registry.Connection, scope chat.ScopeKey) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	// The registry insert happens under h.mu so a concurrent OnDisconnect
	// cannot run LeaveAll between recording the scope and joining it, which
	// would strand the connection in the registry after its LeaveAll.
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[conn.ID()]
	if !ok {
		return chat.NewValidationError("unknown_connection", "connection is not registered")
	}
	sess.scopes[scope] = struct{}{}
	h.scopes.Join(conn, scope)
	return nil
}

// Leave unsubscribes the connection from a scope. Leaving a scope never
// joined is a no-op.
func (h *Hub) Leave(conn registry.Connection, scope chat.ScopeKey) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if sess, ok := h.sessions[conn.ID()]; ok {
		delete(sess.scopes, scope)
	}
	h.scopes.Leave(conn, scope)
	return nil
}

// Heartbeat refreshes the connection's presence lease.
func (h *Hub) Heartbeat(ctx context.Context, conn registry.Connection) error {
	return h.presence.Heartbeat(ctx, conn.UserID(), h.podID, conn.ID())
}

// Send publishes a message from this connection's user into the scope. The
// sender does not need to have joined the scope; delivery back to the sender
// happens through broadcast like for everyone else.
func (h *Hub) Send(ctx context.Context, conn registry.Connection, scope chat.ScopeKey, text string) (chat.EnrichedChatEvent, error) {
	return h.pipeline.Send(ctx, send.Request{
		SenderID: conn.UserID(),
		Scope:    scope,
		Text:     text,
	})
}

// History returns a page of the scope's persisted messages, oldest first.
func (h *Hub) History(ctx context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error) {
	return h.history.QueryByScope(ctx, scope, from, to, limit)
}

// Connections returns the user's live connection ids across all pods.
func (h *Hub) Connections(ctx context.Context, userID string) ([]string, error) {
	if err := chat.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	return h.presence.GetConnections(ctx, userID)
}
