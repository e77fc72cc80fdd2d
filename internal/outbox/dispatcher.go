package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// Policy bounds delivery attempts.
type Policy struct {
	MaxRetry       int
	PublishTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetry <= 0 {
		p.MaxRetry = DefaultMaxRetry
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = 5 * time.Second
	}
	return p
}

// Dispatcher performs a single accounted delivery attempt. It is shared by
// the inline publish path and the retry scheduler so both apply the same
// retry ceiling and escalation.
type Dispatcher struct {
	store     *Store
	publisher broker.Publisher
	policy    Policy
	alerter   alert.Alerter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewDispatcher(store *Store, publisher broker.Publisher, policy Policy, alerter alert.Alerter, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		policy:    policy.withDefaults(),
		alerter:   alerter,
		metrics:   m,
		logger:    telemetry.OrDefault(logger),
	}
}

// Dispatch publishes msg once. Success marks it SENT; any failure, including
// an undecodable payload, counts as a failed attempt. The returned error is
// informational: the message state has already been updated.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	if msg.RetryCount >= d.policy.MaxRetry {
		d.exhaust(ctx, msg.MessageID, msg.RetryCount, msg.ErrorMessage)
		return &PublishError{MessageID: msg.MessageID, Err: errors.New("retry ceiling reached")}
	}

	if err := d.publish(ctx, msg); err != nil {
		d.metrics.OutboxPublish("failure")
		d.fail(ctx, msg.MessageID, err)
		return &PublishError{MessageID: msg.MessageID, Err: err}
	}

	d.metrics.OutboxPublish("success")
	if err := d.store.MarkAsSent(ctx, msg.MessageID); err != nil {
		// The broker has the message; a duplicate on the next tick is
		// acceptable under at-least-once delivery.
		d.logger.ErrorContext(ctx, "published but could not mark outbox message sent",
			"message_id", msg.MessageID, "error", err)
		return err
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, msg Message) error {
	e, err := events.Unmarshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	bm, err := broker.NewMessage(e)
	if err != nil {
		return fmt.Errorf("encode broker message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.policy.PublishTimeout)
	defer cancel()

	return d.publisher.Publish(ctx, bm)
}

func (d *Dispatcher) fail(ctx context.Context, messageID string, cause error) {
	n, err := d.store.IncrementRetryCount(ctx, messageID, cause.Error())
	if err != nil {
		d.logger.ErrorContext(ctx, "could not record failed publish attempt",
			"message_id", messageID, "cause", cause, "error", err)
		return
	}

	d.logger.WarnContext(ctx, "outbox publish failed",
		"message_id", messageID, "retry_count", n, "max_retry", d.policy.MaxRetry, "error", cause)

	if n >= d.policy.MaxRetry {
		d.exhaust(ctx, messageID, n, cause.Error())
	}
}

func (d *Dispatcher) exhaust(ctx context.Context, messageID string, retryCount int, reason string) {
	if err := d.store.MarkAsFailed(ctx, messageID, reason); err != nil {
		d.logger.ErrorContext(ctx, "could not mark outbox message failed", "message_id", messageID, "error", err)
		return
	}
	if d.alerter != nil {
		d.alerter.Raise(ctx, alert.Alert{
			Kind:    alert.KindOutboxFailed,
			Subject: messageID,
			Message: "outbox message exhausted its retries and needs manual intervention",
			Attrs:   []any{"retry_count", retryCount, "last_error", reason},
		})
	}
}
