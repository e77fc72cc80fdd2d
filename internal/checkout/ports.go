// Package checkout holds the business collaborators of the order saga: the
// four steps that create an order, reserve its stock, charge it and notify
// the customer, the ports those steps call, and in-memory implementations
// of the ports.
package checkout

import (
	"context"
	"errors"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
)

var (
	ErrUnknownProduct    = errors.New("checkout: unknown product")
	ErrInsufficientStock = errors.New("checkout: insufficient stock")
	ErrPaymentDeclined   = errors.New("checkout: payment declined")
)

// InventoryService reserves stock for an order. Both calls are idempotent
// per order id.
type InventoryService interface {
	Reserve(ctx context.Context, orderID string, items []order.Item) error
	Release(ctx context.Context, orderID string) error
}

// PaymentService charges and refunds orders. A retried Charge carrying the
// same idempotency key returns the original payment id.
type PaymentService interface {
	Charge(ctx context.Context, orderID string, amount float64) (paymentID string, err error)
	Refund(ctx context.Context, orderID, paymentID string) error
}

type Notification struct {
	OrderID string
	UserID  string
	Channel string
	Message string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Orders is the slice of the order write model the steps use.
type Orders interface {
	Create(ctx context.Context, o *order.Order) (bool, error)
	MarkPaid(ctx context.Context, orderID, paymentID string, amount float64) error
	Cancel(ctx context.Context, orderID, reason string) error
	Complete(ctx context.Context, orderID string, extra ...events.Event) error
	Record(ctx context.Context, evs ...events.Event) error
}
