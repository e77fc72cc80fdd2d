// Package events defines the domain event envelope that flows from the order
// saga through the outbox and the broker into the read-model synchronizer.
//
// The EventID is the deduplication key end to end: it is the outbox message
// id, the broker message id and the unique key of the read-model sync record.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the schema version stamped on newly created events.
const CurrentVersion = 1

var ErrInvalidEvent = errors.New("invalid event")

// Event is an immutable domain event. Payload holds the event-specific body
// as JSON; use Decode to read it into one of the payload structs.
type Event struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int             `json:"version"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds an event with a fresh UUID. aggregateID is the business key
// (typically the order id) used for broker partition affinity.
func New(eventType, aggregateID string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Event{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		Version:     CurrentVersion,
		AggregateID: aggregateID,
		Payload:     body,
	}, nil
}

// Validate checks the envelope fields every consumer relies on.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: missing event type for %s", ErrInvalidEvent, e.EventID)
	}
	return nil
}

// Marshal serializes the envelope.
func Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s: %w", e.EventID, err)
	}
	return b, nil
}

// Unmarshal parses and validates a serialized envelope.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Decode reads the event payload into T.
func Decode[T any](e Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, fmt.Errorf("%w: empty payload for %s", ErrInvalidEvent, e.EventID)
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("events: decode %s payload: %w", e.EventType, err)
	}
	return out, nil
}

// Key returns the broker message key: the business key when present, the
// event id otherwise.
func Key(e Event) string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.EventID
}
