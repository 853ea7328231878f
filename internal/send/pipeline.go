// Package send implements the message send pipeline: validate, rate-limit,
// stamp, publish. It is the only write path into the event log.
package send

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
	"github.com/chatify/chatify/internal/stream"
)

// RateLimiter gates sends per user. Allow returns nil when the send may
// proceed.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) error
}

// Request is one inbound send attempt, as parsed off the transport.
type Request struct {
	SenderID string
	Scope    chat.ScopeKey
	Text     string
}

// Pipeline runs the send stages in a fixed order: validation first (free),
// then the rate limiter (one store round trip), then stamping and the
// acks=all publish (the expensive hop). A request rejected early never
// touches the later stages, so a rejected send consumes no rate budget only
// when validation failed; a rate-limited send never reaches the log.
type Pipeline struct {
	limiter  RateLimiter
	producer stream.Publisher
	podID    string
	now      func() time.Time
	newID    func() uuid.UUID
	log      zerolog.Logger
}

// NewPipeline wires the stages. podID must be non-empty and colon-free; that
// is checked per send so a misconfigured pod fails loudly instead of
// producing unroutable events.
func NewPipeline(limiter RateLimiter, producer stream.Publisher, podID string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		limiter:  limiter,
		producer: producer,
		podID:    podID,
		now:      time.Now,
		newID:    uuid.New,
		log:      log.With().Str("component", "send-pipeline").Logger(),
	}
}

// Send runs one request through the pipeline and returns the event as
// acknowledged by the log, enriched with its partition and offset.
func (p *Pipeline) Send(ctx context.Context, req Request) (chat.EnrichedChatEvent, error) {
	if err := p.validate(req); err != nil {
		monitoring.SendRejected.WithLabelValues(chat.KindOf(err).String()).Inc()
		return chat.EnrichedChatEvent{}, err
	}

	if err := p.limiter.Allow(ctx, req.SenderID); err != nil {
		monitoring.SendRejected.WithLabelValues(chat.KindOf(err).String()).Inc()
		return chat.EnrichedChatEvent{}, err
	}

	event := chat.ChatEvent{
		MessageID:   p.newID(),
		Scope:       req.Scope,
		SenderID:    req.SenderID,
		Text:        req.Text,
		CreatedAt:   p.now().UTC(),
		OriginPodID: p.podID,
	}

	partition, offset, err := p.producer.Produce(ctx, event)
	if err != nil {
		monitoring.SendRejected.WithLabelValues(chat.KindEventProductionFailed.String()).Inc()
		p.log.Error().
			Err(err).
			Str("scope", event.Scope.String()).
			Str("sender_id", event.SenderID).
			Msg("Publish failed")
		return chat.EnrichedChatEvent{}, chat.NewProductionError("message could not be published", err)
	}
	return event.Enriched(partition, offset), nil
}

func (p *Pipeline) validate(req Request) error {
	if err := chat.ValidateID("sender_id", req.SenderID); err != nil {
		return err
	}
	if err := req.Scope.Validate(); err != nil {
		return err
	}
	if err := chat.ValidateText(req.Text); err != nil {
		return err
	}
	if p.podID == "" || strings.ContainsRune(p.podID, ':') {
		return chat.NewConfigurationError("invalid_pod_id", "pod id must be non-empty and colon-free", nil)
	}
	return nil
}
