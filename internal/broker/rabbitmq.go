package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// RabbitMQConfig configures the RabbitMQ transport.
type RabbitMQConfig struct {
	URL      string
	Exchange string
	// Consumer tags the deliveries of this process.
	Consumer string
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
	// MaxDeliveries is the quorum-queue delivery limit, the broker-side
	// redelivery policy for messages whose handler keeps failing.
	MaxDeliveries int
	// DialAttempts and DialInterval bound the initial connection retry;
	// RabbitMQ usually starts after the service in docker compose.
	DialAttempts uint64
	DialInterval time.Duration
}

func (c *RabbitMQConfig) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "fulfillment.events"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 10
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 10
	}
	if c.DialInterval <= 0 {
		c.DialInterval = 2 * time.Second
	}
}

// RabbitMQ publishes to a topic exchange with publisher confirms and
// consumes through one durable quorum queue per subscription group.
type RabbitMQ struct {
	conn   *amqp.Connection
	cfg    RabbitMQConfig
	logger *slog.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
	ch *amqp.Channel
}

// DialRabbitMQ connects, declares the exchange and enables confirms.
func DialRabbitMQ(ctx context.Context, cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	cfg.withDefaults()
	logger = telemetry.OrDefault(logger)

	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(cfg.DialAttempts, retry.NewConstant(cfg.DialInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			logger.WarnContext(ctx, "rabbitmq dial failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial rabbitmq: %v", ErrUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: declare exchange %s: %w", cfg.Exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: enable confirms: %w", err)
	}

	return &RabbitMQ{conn: conn, ch: ch, cfg: cfg, logger: logger}, nil
}

// Publish sends the message persistently and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	confirm, err := r.ch.PublishWithDeferredConfirmWithContext(ctx,
		r.cfg.Exchange,
		msg.Topic, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			MessageId:    msg.ID,
			Type:         msg.EventType,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      amqp.Table{"key": msg.Key},
			Body:         msg.Payload,
		})
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, msg.ID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: confirm %s: %v", ErrUnavailable, msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked %s", ErrUnavailable, msg.ID)
	}
	return nil
}

// Subscribe consumes the group queue bound to topics. Deliveries whose
// handler fails are requeued; the quorum queue delivery limit ends the loop
// for poison messages.
func (r *RabbitMQ) Subscribe(ctx context.Context, group string, topics []string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("broker: qos: %w", err)
	}

	q, err := ch.QueueDeclare(
		group, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-queue-type":     "quorum",
			"x-delivery-limit": int32(r.cfg.MaxDeliveries),
		},
	)
	if err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", group, err)
	}

	for _, topic := range topics {
		if err := ch.QueueBind(q.Name, topic, r.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s to %s: %w", q.Name, topic, err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, r.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: delivery channel closed", ErrUnavailable)
			}
			r.handle(ctx, d, h)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	key, _ := d.Headers["key"].(string)
	msg := Message{
		ID:        d.MessageId,
		Topic:     d.RoutingKey,
		Key:       key,
		EventType: d.Type,
		Payload:   d.Body,
	}

	if err := h(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "delivery requeued", "message_id", msg.ID, "redelivered", d.Redelivered, "error", err)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.ErrorContext(ctx, "delivery ack failed", "message_id", msg.ID, "error", err)
	}
}

// Close releases the channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.ch.Close()
	return r.conn.Close()
}
