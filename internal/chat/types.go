// Package chat holds the Chatify data model: scopes, chat events, the wire
// codec for log records, and the error kinds used on operation boundaries.
package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Limits shared by validation on every entry point.
const (
	MaxIDLength   = 256  // sender, scope, pod and connection identifiers
	MaxTextLength = 4096 // message body, in runes
)

// ScopeType distinguishes the two conversation bucket kinds.
type ScopeType string

const (
	ScopeChannel       ScopeType = "Channel"
	ScopeDirectMessage ScopeType = "DirectMessage"
)

// Valid reports whether t is one of the known scope types.
func (t ScopeType) Valid() bool {
	return t == ScopeChannel || t == ScopeDirectMessage
}

// ScopeKey identifies a conversation bucket. Its canonical serialized form,
// "{ScopeType}:{ScopeId}", is the partition key in the log and the columnar
// store; String and ParseScopeKey are the only places that build or split
// that string.
type ScopeKey struct {
	Type ScopeType
	ID   string
}

// String returns the canonical "{ScopeType}:{ScopeId}" form.
func (k ScopeKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Validate checks the scope type and id against the model limits.
func (k ScopeKey) Validate() error {
	if !k.Type.Valid() {
		return NewValidationError("scope_type_invalid", fmt.Sprintf("unknown scope type %q", string(k.Type)))
	}
	if err := ValidateID("scope_id", k.ID); err != nil {
		return err
	}
	return nil
}

// ParseScopeKey parses the canonical "{ScopeType}:{ScopeId}" form. The scope
// id may itself contain colons; only the first one delimits the type.
func ParseScopeKey(s string) (ScopeKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return ScopeKey{}, NewValidationError("scope_key_malformed", fmt.Sprintf("scope key %q is not Type:Id", s))
	}
	key := ScopeKey{Type: ScopeType(typ), ID: id}
	if err := key.Validate(); err != nil {
		return ScopeKey{}, err
	}
	return key, nil
}

// ChatEvent is an immutable message. All fields are frozen once the send
// pipeline stamps it; consumers must never mutate a received event.
type ChatEvent struct {
	MessageID   uuid.UUID
	Scope       ScopeKey
	SenderID    string
	Text        string
	CreatedAt   time.Time
	OriginPodID string
}

// Enriched returns the event paired with its log coordinates.
func (e ChatEvent) Enriched(partition int32, offset int64) EnrichedChatEvent {
	return EnrichedChatEvent{ChatEvent: e, Partition: partition, Offset: offset}
}

// Validate checks every model invariant of the event.
func (e ChatEvent) Validate() error {
	if e.MessageID == uuid.Nil {
		return NewValidationError("message_id_missing", "message id is zero")
	}
	if err := e.Scope.Validate(); err != nil {
		return err
	}
	if err := ValidateID("sender_id", e.SenderID); err != nil {
		return err
	}
	if err := ValidateText(e.Text); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return NewValidationError("created_at_missing", "created-at timestamp is zero")
	}
	if err := ValidateID("origin_pod_id", e.OriginPodID); err != nil {
		return err
	}
	return nil
}

// EnrichedChatEvent is a ChatEvent plus the partition/offset it occupies in
// the log, known after a successful produce or on consume.
type EnrichedChatEvent struct {
	ChatEvent
	Partition int32
	Offset    int64
}

// ValidateID checks an identifier (sender, scope, pod, connection): 1..256
// characters, none of them whitespace. The field name goes into the error
// code so callers can tell which input was rejected.
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field+"_empty", field+" must not be empty")
	}
	if utf8.RuneCountInString(id) > MaxIDLength {
		return NewValidationError(field+"_too_long", fmt.Sprintf("%s exceeds %d characters", field, MaxIDLength))
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return NewValidationError(field+"_whitespace", field+" must not contain whitespace")
	}
	return nil
}

// ValidateMemberID is ValidateID plus a ban on colons. Pod and connection
// identifiers are encoded as "{pod}:{conn}" presence members, so a colon
// inside either would make the member ambiguous.
func ValidateMemberID(field, id string) error {
	if err := ValidateID(field, id); err != nil {
		return err
	}
	if strings.Contains(id, ":") {
		return NewValidationError(field+"_colon", field+" must not contain ':'")
	}
	return nil
}

// ValidateText checks the message body: valid UTF-8, at most 4096 runes.
// Empty text is allowed.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return NewValidationError("text_invalid_utf8", "text is not valid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return NewValidationError("text_too_long", fmt.Sprintf("text exceeds %d characters", MaxTextLength))
	}
	return nil
}
