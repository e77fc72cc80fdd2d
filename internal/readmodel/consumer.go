package readmodel

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// DefaultGroup is the subscription group shared by synchronizer instances.
const DefaultGroup = "readmodel-sync"

// Consumer feeds broker deliveries to the synchronizer.
type Consumer struct {
	sub     broker.Subscriber
	group   string
	sync    *Synchronizer
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewConsumer(sub broker.Subscriber, group string, sync *Synchronizer, alerter alert.Alerter, logger *slog.Logger) *Consumer {
	if group == "" {
		group = DefaultGroup
	}
	return &Consumer{sub: sub, group: group, sync: sync, alerter: alerter, logger: telemetry.OrDefault(logger)}
}

// Run subscribes to every event topic and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "read model consumer started", "group", c.group)
	err := c.sub.Subscribe(ctx, c.group, events.Topics, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one delivery. A payload that cannot be decoded is
// acknowledged after an alert, since redelivery cannot fix it; projection
// failures are returned so the broker redelivers.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) error {
	e, err := events.Unmarshal(msg.Payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "undecodable message dropped", "message_id", msg.ID, "topic", msg.Topic, "error", err)
		if c.alerter != nil {
			c.alerter.Raise(ctx, alert.Alert{
				Kind:    alert.KindProjectionFailure,
				Subject: msg.ID,
				Message: "undecodable message: " + err.Error(),
				Attrs:   []any{"topic", msg.Topic},
			})
		}
		return nil
	}
	_, err = c.sync.HandleEvent(ctx, e)
	return err
}
