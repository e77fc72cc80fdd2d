package events

import "strings"

const (
	TypeOrderCreated      = "ORDER_CREATED"
	TypeOrderPaid         = "ORDER_PAID"
	TypeOrderCancelled    = "ORDER_CANCELLED"
	TypeOrderCompleted    = "ORDER_COMPLETED"
	TypeInventoryReserved = "INVENTORY_RESERVED"
	TypeInventoryReleased = "INVENTORY_RELEASED"
	TypePaymentCompleted  = "PAYMENT_COMPLETED"
	TypePaymentRefunded   = "PAYMENT_REFUNDED"
	TypeNotificationSent  = "NOTIFICATION_SENT"
)

const (
	TopicOrder     = "order-events"
	TopicPayment   = "payment-events"
	TopicInventory = "inventory-events"
	TopicDefault   = "domain-events"
)

// Topics lists every topic an event can be routed to.
var Topics = []string{TopicOrder, TopicPayment, TopicInventory, TopicDefault}

// TopicFor routes an event type to its topic by prefix.
func TopicFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "ORDER_"):
		return TopicOrder
	case strings.HasPrefix(eventType, "PAYMENT_"):
		return TopicPayment
	case strings.HasPrefix(eventType, "INVENTORY_"):
		return TopicInventory
	default:
		return TopicDefault
	}
}

type Item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

type OrderCreated struct {
	OrderID     string  `json:"orderId"`
	UserID      string  `json:"userId"`
	TotalAmount float64 `json:"totalAmount"`
	Items       []Item  `json:"items"`
}

type OrderPaid struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type OrderCompleted struct {
	OrderID string `json:"orderId"`
}

type InventoryReserved struct {
	OrderID string `json:"orderId"`
	Items   []Item `json:"items"`
}

type InventoryReleased struct {
	OrderID string `json:"orderId"`
}

type PaymentCompleted struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type PaymentRefunded struct {
	OrderID   string  `json:"orderId"`
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
}

type NotificationSent struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
}

// orderRef is the subset every order-related payload shares.
type orderRef struct {
	OrderID string `json:"orderId"`
}

// OrderID returns the order an event refers to, looking at the payload
// first and falling back to the aggregate id.
func OrderID(e Event) string {
	if ref, err := Decode[orderRef](e); err == nil && ref.OrderID != "" {
		return ref.OrderID
	}
	return e.AggregateID
}
