// Package history persists the chat event stream to the columnar store and
// serves scope history reads.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
)

// Table layout. The partition key is the scope, so one scope's history is one
// storage partition and reads back in clustering order without sorting.
//
//	CREATE TABLE chat_messages (
//	    scope_id         text,
//	    created_at_utc   timestamp,
//	    message_id       uuid,
//	    sender_id        text,
//	    text             text,
//	    origin_pod_id    text,
//	    broker_partition int,
//	    broker_offset    bigint,
//	    PRIMARY KEY ((scope_id), created_at_utc, message_id)
//	) WITH CLUSTERING ORDER BY (created_at_utc ASC, message_id ASC);
//
// scope_id holds the canonical "{ScopeType}:{ScopeId}" form.
const (
	insertCQL = `INSERT INTO chat_messages
		(scope_id, created_at_utc, message_id, sender_id, text, origin_pod_id, broker_partition, broker_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	selectCQL = `SELECT message_id, created_at_utc, sender_id, text, origin_pod_id, broker_partition, broker_offset
		FROM chat_messages WHERE scope_id = ? AND created_at_utc >= ? AND created_at_utc <= ? LIMIT ?`
)

// StoreConfig configures the columnar store session.
type StoreConfig struct {
	Hosts        []string
	Keyspace     string
	WriteTimeout time.Duration // per-append timeout, default 30s
	QueryTimeout time.Duration // per-read timeout, default 10s
	Logger       zerolog.Logger
}

// Store wraps a gocql session. Writes use a lightweight transaction
// (IF NOT EXISTS) at LOCAL_QUORUM so a replayed record after a writer restart
// is a no-op; reads run at LOCAL_ONE because history is not the source of
// truth for ordering, the log is.
type Store struct {
	session      *gocql.Session
	queryTimeout time.Duration
	log          zerolog.Logger
}

// NewStore connects to the cluster.
func NewStore(cfg StoreConfig) (*Store, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one store host is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = cfg.WriteTimeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 2}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to history store: %w", err)
	}
	return &Store{
		session:      session,
		queryTimeout: cfg.QueryTimeout,
		log:          cfg.Logger.With().Str("component", "history-store").Logger(),
	}, nil
}

// Append writes one event. Appending the same (scope, created_at, message_id)
// twice succeeds without a second row.
func (s *Store) Append(ctx context.Context, event chat.EnrichedChatEvent) error {
	applied, err := s.session.Query(insertCQL,
		event.Scope.String(),
		event.CreatedAt,
		gocql.UUID(event.MessageID),
		event.SenderID,
		event.Text,
		event.OriginPodID,
		event.Partition,
		event.Offset,
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return fmt.Errorf("append message %s: %w", event.MessageID, err)
	}
	if !applied {
		s.log.Debug().
			Str("message_id", event.MessageID.String()).
			Str("scope", event.Scope.String()).
			Msg("Duplicate append skipped")
	}
	return nil
}

// Query returns up to limit messages of one scope with created_at in
// [from, to], oldest first.
func (s *Store) Query(ctx context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	iter := s.session.Query(selectCQL, scope.String(), from, to, limit).
		WithContext(ctx).
		Consistency(gocql.LocalOne).
		Iter()

	var (
		out       []chat.EnrichedChatEvent
		messageID gocql.UUID
		createdAt time.Time
		senderID  string
		text      string
		originPod string
		partition int32
		offset    int64
	)
	for iter.Scan(&messageID, &createdAt, &senderID, &text, &originPod, &partition, &offset) {
		out = append(out, chat.EnrichedChatEvent{
			ChatEvent: chat.ChatEvent{
				MessageID:   uuid.UUID(messageID),
				Scope:       scope,
				SenderID:    senderID,
				Text:        text,
				CreatedAt:   createdAt.UTC(),
				OriginPodID: originPod,
			},
			Partition: partition,
			Offset:    offset,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query history for %s: %w", scope.String(), err)
	}
	return out, nil
}

// Close releases the session.
func (s *Store) Close() {
	s.session.Close()
}
