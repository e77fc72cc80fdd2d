// Package outbox implements the transactional outbox: domain events are
// written to the outbox_messages table in the same local transaction as the
// business change that produced them, then delivered to the broker.
//
// Delivery happens twice over. The Recorder tries once inline right after the
// business transaction commits, purely to cut latency. The Scheduler scans
// PENDING rows on a fixed period and is the actual delivery guarantee; it
// gives up after a retry ceiling, marking the message FAILED and raising an
// alert.
package outbox

import (
	"errors"
	"fmt"
	"time"
)

// Status is the delivery state of an outbox message.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// DefaultMaxRetry is the retry ceiling after which a message becomes FAILED.
const DefaultMaxRetry = 5

var ErrNotFound = errors.New("outbox: message not found")

// Message is one row of the outbox_messages table.
type Message struct {
	MessageID    string
	EventType    string
	AggregateID  string
	Payload      []byte
	Status       Status
	RetryCount   int
	CreatedAt    time.Time
	SentAt       time.Time
	ErrorMessage string
}

// PublishError reports a failed delivery attempt: the broker was unreachable,
// rejected the message, timed out, or the payload could not be decoded.
type PublishError struct {
	MessageID string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("outbox: publish %s: %v", e.MessageID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
