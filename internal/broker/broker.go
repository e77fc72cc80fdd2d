// Package broker is the message broker boundary of the fulfillment core.
//
// Events leave the process as (topic, key, serialized event) and come back
// in through a named subscription group, so several synchronizer instances
// share one backlog without processing a message twice. Three transports
// are provided: Redis Streams consumer groups, RabbitMQ, and an in-process
// bus for development and tests.
package broker

import (
	"context"
	"errors"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
)

// ErrUnavailable is returned when the broker cannot be reached or refuses
// the message.
var ErrUnavailable = errors.New("broker: unavailable")

// Message is what travels over the broker.
type Message struct {
	ID        string // event id, the end-to-end dedup key
	Topic     string
	Key       string
	EventType string
	Payload   []byte // serialized events.Event
}

// NewMessage routes and serializes an event.
func NewMessage(e events.Event) (Message, error) {
	payload, err := events.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        e.EventID,
		Topic:     events.TopicFor(e.EventType),
		Key:       events.Key(e),
		EventType: e.EventType,
		Payload:   payload,
	}, nil
}

// Publisher delivers a message. A nil error means the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message. Returning an error leaves the
// message unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber consumes topics as a member of a named group. Subscribe blocks
// until ctx is cancelled or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, group string, topics []string, h Handler) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
