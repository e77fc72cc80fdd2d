package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// RedisStreamsConfig configures the Redis Streams transport.
type RedisStreamsConfig struct {
	// StreamPrefix is prepended to the topic to name the stream, e.g.
	// "fulfillment:" + "order-events".
	StreamPrefix string
	// Consumer identifies this process inside the group.
	Consumer string
	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
	// BatchSize caps the entries read per call.
	BatchSize int64
	// ReclaimIdle is how long an unacknowledged entry stays with a consumer
	// before another member of the group claims it for redelivery.
	ReclaimIdle time.Duration
	// MaxDeliveries bounds redelivery; entries delivered this many times
	// are moved to "<stream>:dead" and acknowledged.
	MaxDeliveries int64
}

func (c *RedisStreamsConfig) withDefaults() {
	if c.Consumer == "" {
		c.Consumer = "consumer-1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 10
	}
}

// RedisStreams publishes with XADD and consumes with consumer groups.
type RedisStreams struct {
	client *redis.Client
	cfg    RedisStreamsConfig
	logger *slog.Logger
}

func NewRedisStreams(client *redis.Client, cfg RedisStreamsConfig, logger *slog.Logger) *RedisStreams {
	cfg.withDefaults()
	return &RedisStreams{client: client, cfg: cfg, logger: telemetry.OrDefault(logger)}
}

func (r *RedisStreams) stream(topic string) string {
	return r.cfg.StreamPrefix + topic
}

// Publish appends the message to the topic stream. The entry id returned by
// XADD is the broker acknowledgment.
func (r *RedisStreams) Publish(ctx context.Context, msg Message) error {
	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(msg.Topic),
		Values: map[string]any{
			"id":      msg.ID,
			"key":     msg.Key,
			"type":    msg.EventType,
			"payload": string(msg.Payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, msg.Topic, err)
	}
	return nil
}

// Subscribe reads the topic streams as group member cfg.Consumer. Entries
// are acknowledged only after h returns nil.
func (r *RedisStreams) Subscribe(ctx context.Context, group string, topics []string, h Handler) error {
	streams := make([]string, 0, len(topics))
	for _, topic := range topics {
		stream := r.stream(topic)
		if err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil &&
			!strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("broker: create group %s on %s: %w", group, stream, err)
		}
		streams = append(streams, stream)
	}

	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.cfg.Consumer,
			Streams:  args,
			Count:    r.cfg.BatchSize,
			Block:    r.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: xreadgroup %s: %w", group, err)
		}

		for _, xs := range res {
			for _, xm := range xs.Messages {
				r.handle(ctx, group, xs.Stream, xm, h)
			}
		}

		if time.Since(lastReclaim) >= r.cfg.ReclaimIdle {
			lastReclaim = time.Now()
			for _, stream := range streams {
				r.reclaim(ctx, group, stream, h)
			}
		}
	}
}

func (r *RedisStreams) handle(ctx context.Context, group, stream string, xm redis.XMessage, h Handler) {
	msg := messageFromValues(stream, r.cfg.StreamPrefix, xm.Values)
	if err := h(ctx, msg); err != nil {
		r.logger.WarnContext(ctx, "stream entry left pending for redelivery",
			"stream", stream, "entry_id", xm.ID, "message_id", msg.ID, "error", err)
		return
	}
	if err := r.client.XAck(ctx, stream, group, xm.ID).Err(); err != nil {
		r.logger.ErrorContext(ctx, "stream ack failed", "stream", stream, "entry_id", xm.ID, "error", err)
	}
}

// reclaim redelivers entries that stayed unacknowledged longer than
// ReclaimIdle, and dead-letters the ones that hit MaxDeliveries.
func (r *RedisStreams) reclaim(ctx context.Context, group, stream string, h Handler) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   r.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		r.logger.WarnContext(ctx, "xpending failed", "stream", stream, "error", err)
		return
	}

	for _, p := range pending {
		claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		if p.RetryCount >= r.cfg.MaxDeliveries {
			r.deadLetter(ctx, group, stream, claimed[0])
			continue
		}
		r.handle(ctx, group, stream, claimed[0], h)
	}
}

func (r *RedisStreams) deadLetter(ctx context.Context, group, stream string, xm redis.XMessage) {
	dead := stream + ":dead"
	if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: dead, Values: xm.Values}).Err(); err != nil {
		r.logger.ErrorContext(ctx, "dead-letter append failed", "stream", dead, "entry_id", xm.ID, "error", err)
		return
	}
	_ = r.client.XAck(ctx, stream, group, xm.ID).Err()
	r.logger.ErrorContext(ctx, "stream entry exceeded max deliveries, dead-lettered",
		"stream", stream, "entry_id", xm.ID, "dead_stream", dead)
}

func messageFromValues(stream, prefix string, values map[string]any) Message {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}
	return Message{
		ID:        str("id"),
		Topic:     strings.TrimPrefix(stream, prefix),
		Key:       str("key"),
		EventType: str("type"),
		Payload:   []byte(str("payload")),
	}
}
