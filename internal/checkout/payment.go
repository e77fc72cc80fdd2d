package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// ChargeLimit is the largest amount the in-memory payment service accepts.
const ChargeLimit = 500.00

type payment struct {
	orderID string
	amount  float64
}

// Payments is an in-memory PaymentService. Charges are deduplicated by the
// idempotency key of the calling step, remembered in the cache.
type Payments struct {
	cache  cache.Cache
	logger *slog.Logger

	mu       sync.Mutex
	payments map[string]payment // payment id -> payment
}

// NewPayments uses c to remember charge results; nil keeps them in memory.
func NewPayments(c cache.Cache, logger *slog.Logger) *Payments {
	if c == nil {
		c = cache.NewMemory("payment")
	}
	return &Payments{
		cache:    c,
		logger:   telemetry.OrDefault(logger),
		payments: make(map[string]payment),
	}
}

func (p *Payments) Charge(ctx context.Context, orderID string, amount float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := interceptors.IdempotencyKeyFromContext(ctx)
	if key == "" {
		key = orderID
	}
	cacheKey := p.cache.GenerateKey("charge", key)

	existing, err := p.cache.Get(ctx, cacheKey)
	if err != nil {
		return "", err
	}
	if existing != "" {
		p.logger.InfoContext(ctx, "charge replayed", "order_id", orderID, "payment_id", existing)
		return existing, nil
	}

	if amount > ChargeLimit {
		p.logger.InfoContext(ctx, "charge declined", "order_id", orderID, "amount", amount)
		return "", fmt.Errorf("%w: %.2f exceeds limit", ErrPaymentDeclined, amount)
	}

	paymentID := uuid.NewString()
	p.payments[paymentID] = payment{orderID: orderID, amount: amount}
	if err := p.cache.Set(ctx, cacheKey, paymentID, cache.DefaultTTL); err != nil {
		delete(p.payments, paymentID)
		return "", err
	}
	p.logger.InfoContext(ctx, "charge captured", "order_id", orderID, "payment_id", paymentID, "amount", amount)
	return paymentID, nil
}

// Refund returns a captured payment. Unknown payments are already refunded.
func (p *Payments) Refund(ctx context.Context, orderID, paymentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pay, ok := p.payments[paymentID]
	if !ok {
		p.logger.WarnContext(ctx, "no payment to refund", "order_id", orderID, "payment_id", paymentID)
		return nil
	}
	delete(p.payments, paymentID)
	p.logger.InfoContext(ctx, "payment refunded", "order_id", pay.orderID, "payment_id", paymentID, "amount", pay.amount)
	return nil
}

// Captured reports whether paymentID is held and not refunded.
func (p *Payments) Captured(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.payments[paymentID]
	return ok
}
