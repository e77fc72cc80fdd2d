// Package order is the write model of the order aggregate. Every state
// change is committed together with the domain event that describes it, in
// the outbox, inside the same local transaction.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
)

type Order struct {
	ID          string
	UserID      string
	Items       []Item
	TotalAmount float64
	Status      Status
	PaymentID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Item struct {
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   float64
}

func (i Item) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// Total sums the item subtotals.
func Total(items []Item) float64 {
	var total float64
	for _, it := range items {
		total += it.Subtotal()
	}
	return total
}

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Text is the display text shown to customers.
func (s Status) Text() string {
	switch s {
	case StatusPendingPayment:
		return "Awaiting payment"
	case StatusPaid:
		return "Paid"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

var allowed = map[Status][]Status{
	StatusPendingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:           {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an order in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range allowed[s] {
		if to == next {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid status transition")
	ErrInvalidOrder      = errors.New("order: invalid order")
)

// Validate checks a new order before it is persisted.
func (o *Order) Validate() error {
	if o.ID == "" || o.UserID == "" {
		return fmt.Errorf("%w: missing id or user", ErrInvalidOrder)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: %s has no items", ErrInvalidOrder, o.ID)
	}
	for _, it := range o.Items {
		if it.ProductID == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			return fmt.Errorf("%w: %s has an invalid item %q", ErrInvalidOrder, o.ID, it.ProductID)
		}
	}
	return nil
}

// EventItems maps items onto the event payload shape.
func EventItems(items []Item) []events.Item {
	out := make([]events.Item, len(items))
	for i, it := range items {
		out[i] = events.Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return out
}

// ItemsFromEvent is the inverse of EventItems.
func ItemsFromEvent(items []events.Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return out
}
