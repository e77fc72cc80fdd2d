package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog/sqlstore"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
)

type env struct {
	orch      *coordinator.Orchestrator
	orders    *order.Store
	inventory *Inventory
	payments  *Payments
	notifier  *LogNotifier
	bus       *broker.InMemoryBus
	def       *coordinator.Definition
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(ctx, db)
	require.NoError(t, err)
	bus := broker.NewInMemoryBus(nil)
	alerts := &alert.Recorder{}
	d := outbox.NewDispatcher(ob, bus, outbox.Policy{MaxRetry: 5, PublishTimeout: time.Second}, alerts, nil, nil)
	orders, err := order.NewStore(ctx, db, outbox.NewRecorder(ob, d, nil), nil)
	require.NoError(t, err)

	repo, err := sqlstore.New(ctx, db)
	require.NoError(t, err)
	pool := coordinator.NewPool(2, 8, nil, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	e := &env{
		orch:      coordinator.NewOrchestrator(repo, pool, alerts, nil, nil),
		orders:    orders,
		inventory: NewInventory(DefaultStock(), nil),
		payments:  NewPayments(nil, nil),
		notifier:  NewLogNotifier(nil),
		bus:       bus,
	}
	e.def = NewOrderSaga(Deps{
		Orders:    e.orders,
		Inventory: e.inventory,
		Payments:  e.payments,
		Notifier:  e.notifier,
	})
	return e
}

func (e *env) place(t *testing.T, req Request) (sagaID, orderID string) {
	t.Helper()
	orderID, initial, err := req.Input()
	require.NoError(t, err)
	sagaID, err = e.orch.StartSaga(context.Background(), e.def, initial)
	require.NoError(t, err)
	return sagaID, orderID
}

func (e *env) waitFor(t *testing.T, sagaID string, want sagalog.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := e.orch.GetSagaStatus(context.Background(), sagaID)
		return err == nil && s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "saga never reached %s", want)
}

func (e *env) publishedTypes() []string {
	var out []string
	for _, m := range e.bus.Published() {
		out = append(out, m.EventType)
	}
	return out
}

func TestOrderSagaCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sagaID, orderID := e.place(t, Request{
		UserID: "user-1",
		Items:  []events.Item{{ProductID: "prod_1", ProductName: "Keyboard", Quantity: 2, UnitPrice: 50}},
	})
	e.waitFor(t, sagaID, sagalog.StatusCompleted)

	o, err := e.orders.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.NotEmpty(t, o.PaymentID)
	assert.True(t, e.payments.Captured(o.PaymentID))
	assert.Equal(t, 13, e.inventory.Available("prod_1"))

	sent := e.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "email", sent[0].Channel)

	assert.Equal(t, []string{
		events.TypeOrderCreated,
		events.TypeInventoryReserved,
		events.TypeOrderPaid,
		events.TypePaymentCompleted,
		events.TypeOrderCompleted,
		events.TypeNotificationSent,
	}, e.publishedTypes())
}

func TestOrderSagaDeclinedPaymentRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sagaID, orderID := e.place(t, Request{
		UserID: "user-1",
		Items:  []events.Item{{ProductID: "prod_2", ProductName: "Monitor", Quantity: 2, UnitPrice: 300}},
	})
	e.waitFor(t, sagaID, sagalog.StatusCompensated)

	o, err := e.orders.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, 10, e.inventory.Available("prod_2"))
	assert.Empty(t, e.notifier.Sent())

	steps, err := e.orch.ListSteps(ctx, sagaID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, sagalog.StepCompensated, steps[0].Status)
	assert.Equal(t, sagalog.StepCompensated, steps[1].Status)
	assert.Equal(t, sagalog.StepFailed, steps[2].Status)
	assert.Contains(t, steps[2].ErrorMessage, "payment declined")

	assert.Equal(t, []string{
		events.TypeOrderCreated,
		events.TypeInventoryReserved,
		events.TypeInventoryReleased,
		events.TypeOrderCancelled,
	}, e.publishedTypes())
}

func TestOrderSagaOutOfStockCancelsOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sagaID, orderID := e.place(t, Request{
		UserID: "user-1",
		Items:  []events.Item{{ProductID: "prod_3", ProductName: "Webcam", Quantity: 1, UnitPrice: 40}},
	})
	e.waitFor(t, sagaID, sagalog.StatusCompensated)

	o, err := e.orders.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)

	steps, err := e.orch.ListSteps(ctx, sagaID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Contains(t, steps[1].ErrorMessage, "insufficient stock")
}

func TestRequestInput(t *testing.T) {
	_, _, err := Request{UserID: "user-1"}.Input()
	require.ErrorIs(t, err, ErrMissingInput)

	orderID, initial, err := Request{
		UserID: "user-1",
		Items:  []events.Item{{ProductID: "prod_1", Quantity: 1, UnitPrice: 1}},
	}.Input()
	require.NoError(t, err)
	assert.Equal(t, orderID, initial[KeyOrderID])
	assert.Equal(t, "email", initial[KeyChannel])
}

func TestInventoryReserveIsAllOrNothing(t *testing.T) {
	inv := NewInventory(DefaultStock(), nil)
	ctx := context.Background()

	err := inv.Reserve(ctx, "order-1", []order.Item{
		{ProductID: "prod_1", Quantity: 5},
		{ProductID: "prod_2", Quantity: 11},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 15, inv.Available("prod_1"))

	err = inv.Reserve(ctx, "order-2", []order.Item{{ProductID: "nope", Quantity: 1}})
	require.ErrorIs(t, err, ErrUnknownProduct)

	items := []order.Item{{ProductID: "prod_1", Quantity: 5}}
	require.NoError(t, inv.Reserve(ctx, "order-3", items))
	require.NoError(t, inv.Reserve(ctx, "order-3", items))
	assert.Equal(t, 10, inv.Available("prod_1"))

	require.NoError(t, inv.Release(ctx, "order-3"))
	require.NoError(t, inv.Release(ctx, "order-3"))
	assert.Equal(t, 15, inv.Available("prod_1"))
}

func TestPaymentsChargeIsIdempotentPerKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := NewPayments(cache.NewRedisCache(client, "payment"), nil)
	ctx := interceptors.WithIdempotencyKey(context.Background(), "saga-1:ProcessPayment")

	first, err := p.Charge(ctx, "order-1", 120)
	require.NoError(t, err)
	second, err := p.Charge(ctx, "order-1", 120)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = p.Charge(interceptors.WithIdempotencyKey(context.Background(), "saga-2:ProcessPayment"), "order-2", 900)
	require.ErrorIs(t, err, ErrPaymentDeclined)

	require.NoError(t, p.Refund(ctx, "order-1", first))
	assert.False(t, p.Captured(first))
	require.NoError(t, p.Refund(ctx, "order-1", first))
}
