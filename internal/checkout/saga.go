package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
)

// SagaType identifies order fulfillment sagas in the saga log.
const SagaType = "order-fulfillment"

// Saga context keys.
const (
	KeyOrderID     = "orderId"
	KeyUserID      = "userId"
	KeyItems       = "items"
	KeyTotalAmount = "totalAmount"
	KeyPaymentID   = "paymentId"
	KeyChannel     = "channel"
)

const (
	defaultChannel = "email"
	cancelReason   = "order saga rolled back"
)

var ErrMissingInput = errors.New("checkout: missing saga input")

// Request is what a customer submits to place an order.
type Request struct {
	UserID  string        `json:"userId"`
	Items   []events.Item `json:"items"`
	Channel string        `json:"channel,omitempty"`
}

// Input builds the initial saga context. The order id is fixed here so
// every retry of CreateOrder targets the same row.
func (r Request) Input() (orderID string, initial map[string]any, err error) {
	if r.UserID == "" || len(r.Items) == 0 {
		return "", nil, fmt.Errorf("%w: user and items are required", ErrMissingInput)
	}
	channel := r.Channel
	if channel == "" {
		channel = defaultChannel
	}
	orderID = uuid.NewString()
	return orderID, map[string]any{
		KeyOrderID: orderID,
		KeyUserID:  r.UserID,
		KeyItems:   r.Items,
		KeyChannel: channel,
	}, nil
}

type Deps struct {
	Orders    Orders
	Inventory InventoryService
	Payments  PaymentService
	Notifier  Notifier

	// RemoteTimeout bounds the inventory and payment steps; zero keeps the
	// orchestrator default.
	RemoteTimeout time.Duration
	SagaTimeout   time.Duration
}

// NewOrderSaga returns the order fulfillment definition:
// CreateOrder, ReserveInventory, ProcessPayment, SendNotification.
func NewOrderSaga(d Deps) *coordinator.Definition {
	return &coordinator.Definition{
		Type:    SagaType,
		Timeout: d.SagaTimeout,
		Steps: []coordinator.Step{
			&CreateOrderStep{orders: d.Orders},
			&ReserveInventoryStep{orders: d.Orders, inventory: d.Inventory, timeout: d.RemoteTimeout},
			&ProcessPaymentStep{orders: d.Orders, payments: d.Payments, timeout: d.RemoteTimeout},
			&SendNotificationStep{orders: d.Orders, notifier: d.Notifier},
		},
	}
}

func orderInput(sc *coordinator.SagaContext) (string, []order.Item, error) {
	orderID := sc.String(KeyOrderID)
	if orderID == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrMissingInput, KeyOrderID)
	}
	var items []events.Item
	if err := sc.Decode(KeyItems, &items); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	return orderID, order.ItemsFromEvent(items), nil
}

// CreateOrderStep writes the PENDING_PAYMENT order. Compensation cancels it.
type CreateOrderStep struct {
	orders Orders
}

func (s *CreateOrderStep) Name() string           { return "CreateOrder" }
func (s *CreateOrderStep) Timeout() time.Duration { return 0 }

func (s *CreateOrderStep) Execute(ctx context.Context, sc *coordinator.SagaContext) error {
	orderID, items, err := orderInput(sc)
	if err != nil {
		return err
	}
	o := &order.Order{ID: orderID, UserID: sc.String(KeyUserID), Items: items}
	if _, err := s.orders.Create(ctx, o); err != nil {
		return err
	}
	sc.Set(KeyTotalAmount, order.Total(items))
	return nil
}

func (s *CreateOrderStep) Compensate(ctx context.Context, sc *coordinator.SagaContext) error {
	return s.orders.Cancel(ctx, sc.String(KeyOrderID), cancelReason)
}

// ReserveInventoryStep holds stock for every item.
type ReserveInventoryStep struct {
	orders    Orders
	inventory InventoryService
	timeout   time.Duration
}

func (s *ReserveInventoryStep) Name() string           { return "ReserveInventory" }
func (s *ReserveInventoryStep) Timeout() time.Duration { return s.timeout }

func (s *ReserveInventoryStep) Execute(ctx context.Context, sc *coordinator.SagaContext) error {
	orderID, items, err := orderInput(sc)
	if err != nil {
		return err
	}
	if err := s.inventory.Reserve(ctx, orderID, items); err != nil {
		return err
	}
	e, err := events.New(events.TypeInventoryReserved, orderID, events.InventoryReserved{
		OrderID: orderID,
		Items:   order.EventItems(items),
	})
	if err != nil {
		return err
	}
	return s.orders.Record(ctx, e)
}

func (s *ReserveInventoryStep) Compensate(ctx context.Context, sc *coordinator.SagaContext) error {
	orderID := sc.String(KeyOrderID)
	if err := s.inventory.Release(ctx, orderID); err != nil {
		return err
	}
	e, err := events.New(events.TypeInventoryReleased, orderID, events.InventoryReleased{OrderID: orderID})
	if err != nil {
		return err
	}
	return s.orders.Record(ctx, e)
}

// ProcessPaymentStep charges the order total and marks the order PAID.
type ProcessPaymentStep struct {
	orders   Orders
	payments PaymentService
	timeout  time.Duration
}

func (s *ProcessPaymentStep) Name() string           { return "ProcessPayment" }
func (s *ProcessPaymentStep) Timeout() time.Duration { return s.timeout }

func (s *ProcessPaymentStep) Execute(ctx context.Context, sc *coordinator.SagaContext) error {
	orderID := sc.String(KeyOrderID)
	amount := sc.Float(KeyTotalAmount)

	paymentID, err := s.payments.Charge(ctx, orderID, amount)
	if err != nil {
		return err
	}
	sc.Set(KeyPaymentID, paymentID)

	if err := s.orders.MarkPaid(ctx, orderID, paymentID, amount); err != nil {
		// A failed step is never compensated, so the charge is undone here.
		if rerr := s.payments.Refund(ctx, orderID, paymentID); rerr != nil {
			return errors.Join(err, fmt.Errorf("refund %s: %w", paymentID, rerr))
		}
		return err
	}
	return nil
}

func (s *ProcessPaymentStep) Compensate(ctx context.Context, sc *coordinator.SagaContext) error {
	orderID, paymentID := sc.String(KeyOrderID), sc.String(KeyPaymentID)
	if paymentID == "" {
		return nil
	}
	if err := s.payments.Refund(ctx, orderID, paymentID); err != nil {
		return err
	}
	e, err := events.New(events.TypePaymentRefunded, orderID, events.PaymentRefunded{
		OrderID:   orderID,
		PaymentID: paymentID,
		Amount:    sc.Float(KeyTotalAmount),
	})
	if err != nil {
		return err
	}
	return s.orders.Record(ctx, e)
}

// SendNotificationStep tells the customer and completes the order. There is
// nothing to undo once a message has gone out.
type SendNotificationStep struct {
	orders   Orders
	notifier Notifier
}

func (s *SendNotificationStep) Name() string           { return "SendNotification" }
func (s *SendNotificationStep) Timeout() time.Duration { return 0 }

func (s *SendNotificationStep) Execute(ctx context.Context, sc *coordinator.SagaContext) error {
	n := Notification{
		OrderID: sc.String(KeyOrderID),
		UserID:  sc.String(KeyUserID),
		Channel: sc.String(KeyChannel),
	}
	if n.Channel == "" {
		n.Channel = defaultChannel
	}
	n.Message = fmt.Sprintf("Your order %s for %.2f has been confirmed", n.OrderID, sc.Float(KeyTotalAmount))

	if err := s.notifier.Notify(ctx, n); err != nil {
		return err
	}
	e, err := events.New(events.TypeNotificationSent, n.OrderID, events.NotificationSent{
		OrderID: n.OrderID,
		UserID:  n.UserID,
		Channel: n.Channel,
	})
	if err != nil {
		return err
	}
	return s.orders.Complete(ctx, n.OrderID, e)
}

func (s *SendNotificationStep) Compensate(context.Context, *coordinator.SagaContext) error {
	return nil
}
