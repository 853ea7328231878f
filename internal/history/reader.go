package history

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
)

const (
	// DefaultQueryLimit applies when the caller asks for no particular count.
	DefaultQueryLimit = 50
	// MaxQueryLimit caps one page regardless of what the caller asks for.
	MaxQueryLimit = 500
)

// Querier is the store-side surface the reader needs.
type Querier interface {
	Query(ctx context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error)
}

// Reader serves scope history (C8). It validates and normalizes the request
// and delegates the scan to the store; results come back oldest first, which
// for one scope matches send order because the writer preserved partition
// order into the clustering key.
type Reader struct {
	store Querier
	log   zerolog.Logger
}

// NewReader wraps the store.
func NewReader(store Querier, log zerolog.Logger) *Reader {
	return &Reader{
		store: store,
		log:   log.With().Str("component", "history-reader").Logger(),
	}
}

// QueryByScope returns up to limit messages of the scope in [from, to],
// oldest first. A zero from means the beginning of time, a zero to means
// now; limit <= 0 means DefaultQueryLimit. An unknown scope is an empty
// result, not an error.
func (r *Reader) QueryByScope(ctx context.Context, scope chat.ScopeKey, from, to time.Time, limit int) ([]chat.EnrichedChatEvent, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.After(to) {
		return nil, chat.NewValidationError("invalid_range", "from is after to")
	}
	switch {
	case limit <= 0:
		limit = DefaultQueryLimit
	case limit > MaxQueryLimit:
		limit = MaxQueryLimit
	}
	return r.store.Query(ctx, scope, from, to, limit)
}
