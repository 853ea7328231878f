package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// wireEvent is the log record payload: UTF-8 JSON with camelCase field names.
// The record key is the canonical scope key string, so scopeType/scopeId are
// carried redundantly in the value; consumers trust the value.
type wireEvent struct {
	MessageID    string `json:"messageId"`
	ScopeType    string `json:"scopeType"`
	ScopeID      string `json:"scopeId"`
	SenderID     string `json:"senderId"`
	Text         string `json:"text"`
	CreatedAtUTC string `json:"createdAtUtc"`
	OriginPodID  string `json:"originPodId"`
}

// EncodeEvent serializes an event to the wire format. The timestamp is
// ISO-8601 with nanosecond precision, always UTC.
func EncodeEvent(e ChatEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := wireEvent{
		MessageID:    e.MessageID.String(),
		ScopeType:    string(e.Scope.Type),
		ScopeID:      e.Scope.ID,
		SenderID:     e.SenderID,
		Text:         e.Text,
		CreatedAtUTC: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		OriginPodID:  e.OriginPodID,
	}
	return json.Marshal(w)
}

// DecodeEvent parses a wire payload back into a ChatEvent, enforcing every
// model invariant. Any missing or malformed field is an error; the history
// writer treats such errors as permanent (poison message).
func DecodeEvent(payload []byte) (ChatEvent, error) {
	if len(payload) == 0 {
		return ChatEvent{}, fmt.Errorf("empty payload")
	}
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return ChatEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	id, err := uuid.Parse(w.MessageID)
	if err != nil {
		return ChatEvent{}, fmt.Errorf("parse messageId %q: %w", w.MessageID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAtUTC)
	if err != nil {
		return ChatEvent{}, fmt.Errorf("parse createdAtUtc %q: %w", w.CreatedAtUTC, err)
	}
	e := ChatEvent{
		MessageID:   id,
		Scope:       ScopeKey{Type: ScopeType(w.ScopeType), ID: w.ScopeID},
		SenderID:    w.SenderID,
		Text:        w.Text,
		CreatedAt:   createdAt.UTC(),
		OriginPodID: w.OriginPodID,
	}
	if err := e.Validate(); err != nil {
		return ChatEvent{}, fmt.Errorf("invalid event payload: %w", err)
	}
	return e, nil
}
