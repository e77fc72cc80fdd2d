package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// InMemoryBus simulates a broker inside the process by calling subscribed
// handlers directly. Within one group a message is handed to a single
// handler (round robin); every group gets every message. A handler error is
// retried up to MaxDeliveries times, mimicking broker redelivery.
type InMemoryBus struct {
	MaxDeliveries int

	mu        sync.Mutex
	groups    map[string]map[string][]Handler // topic -> group -> handlers
	next      map[string]int
	published []Message
	logger    *slog.Logger
}

func NewInMemoryBus(logger *slog.Logger) *InMemoryBus {
	return &InMemoryBus{
		MaxDeliveries: 3,
		groups:        make(map[string]map[string][]Handler),
		next:          make(map[string]int),
		logger:        telemetry.OrDefault(logger),
	}
}

// Publish implements the Publisher interface.
func (b *InMemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	var targets []Handler
	for group, handlers := range b.groups[msg.Topic] {
		if len(handlers) == 0 {
			continue
		}
		key := msg.Topic + "|" + group
		targets = append(targets, handlers[b.next[key]%len(handlers)])
		b.next[key]++
	}
	b.mu.Unlock()

	for _, h := range targets {
		b.deliver(ctx, h, msg)
	}
	return nil
}

func (b *InMemoryBus) deliver(ctx context.Context, h Handler, msg Message) {
	attempts := max(b.MaxDeliveries, 1)
	for i := 1; i <= attempts; i++ {
		err := h(ctx, msg)
		if err == nil {
			return
		}
		b.logger.WarnContext(ctx, "in-memory delivery failed",
			"message_id", msg.ID, "topic", msg.Topic, "attempt", i, "error", err)
	}
	b.logger.ErrorContext(ctx, "in-memory delivery gave up", "message_id", msg.ID, "topic", msg.Topic)
}

// Subscribe registers h for the topics and blocks until ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, group string, topics []string, h Handler) error {
	b.register(group, topics, h)
	<-ctx.Done()
	return nil
}

// Register adds a handler without blocking. Tests use it to wire a consumer
// synchronously.
func (b *InMemoryBus) Register(group string, topics []string, h Handler) {
	b.register(group, topics, h)
}

func (b *InMemoryBus) register(group string, topics []string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if b.groups[topic] == nil {
			b.groups[topic] = make(map[string][]Handler)
		}
		b.groups[topic][group] = append(b.groups[topic][group], h)
	}
}

// Published returns every message published so far.
func (b *InMemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}
