package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

type fixture struct {
	store  *Store
	outbox *outbox.Store
	bus    *broker.InMemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(ctx, db)
	require.NoError(t, err)
	bus := broker.NewInMemoryBus(nil)
	d := outbox.NewDispatcher(ob, bus, outbox.Policy{MaxRetry: 5, PublishTimeout: time.Second}, &alert.Recorder{}, nil, nil)

	store, err := NewStore(ctx, db, outbox.NewRecorder(ob, d, nil), nil)
	require.NoError(t, err)
	return &fixture{store: store, outbox: ob, bus: bus}
}

func newOrder(id string) *Order {
	return &Order{
		ID:     id,
		UserID: "user-1",
		Items: []Item{
			{ProductID: "prod_1", ProductName: "Keyboard", Quantity: 2, UnitPrice: 25},
			{ProductID: "prod_2", ProductName: "Mouse", Quantity: 1, UnitPrice: 10.5},
		},
	}
}

func (f *fixture) publishedTypes() []string {
	var out []string
	for _, m := range f.bus.Published() {
		out = append(out, m.EventType)
	}
	return out
}

func TestCreatePersistsOrderAndEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.store.Create(ctx, newOrder("order-1"))
	require.NoError(t, err)
	assert.True(t, created)

	got, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)
	assert.InDelta(t, 60.5, got.TotalAmount, 1e-9)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Keyboard", got.Items[0].ProductName)
	assert.Equal(t, "Awaiting payment", got.Status.Text())

	published := f.bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeOrderCreated, published[0].EventType)
	assert.Equal(t, events.TopicOrder, published[0].Topic)
	assert.Equal(t, "order-1", published[0].Key)

	msg, err := f.outbox.Get(ctx, published[0].ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, msg.Status)
}

func TestCreateIsIdempotentByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, newOrder("order-1"))
	require.NoError(t, err)
	created, err := f.store.Create(ctx, newOrder("order-1"))
	require.NoError(t, err)
	assert.False(t, created)

	stats, err := f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[outbox.StatusSent])
}

func TestCreateRejectsInvalidOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, &Order{ID: "order-1", UserID: "user-1"})
	require.ErrorIs(t, err, ErrInvalidOrder)

	o := newOrder("order-2")
	o.Items[0].Quantity = 0
	_, err = f.store.Create(ctx, o)
	require.ErrorIs(t, err, ErrInvalidOrder)

	_, err = f.store.Get(ctx, "order-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleEmitsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, newOrder("order-1"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkPaid(ctx, "order-1", "pay-1", 60.5))

	sent, err := events.New(events.TypeNotificationSent, "order-1", events.NotificationSent{
		OrderID: "order-1", UserID: "user-1", Channel: "email",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, "order-1", sent))

	got, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "pay-1", got.PaymentID)

	assert.Equal(t, []string{
		events.TypeOrderCreated,
		events.TypeOrderPaid,
		events.TypePaymentCompleted,
		events.TypeOrderCompleted,
		events.TypeNotificationSent,
	}, f.publishedTypes())
}

func TestTransitionsAreGuarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, newOrder("order-1"))
	require.NoError(t, err)

	require.ErrorIs(t, f.store.Complete(ctx, "order-1"), ErrInvalidTransition)
	require.NoError(t, f.store.Cancel(ctx, "order-1", "payment declined"))

	// Repeating the cancel is a no-op and emits nothing.
	require.NoError(t, f.store.Cancel(ctx, "order-1", "payment declined"))
	require.ErrorIs(t, f.store.MarkPaid(ctx, "order-1", "pay-1", 1), ErrInvalidTransition)
	require.ErrorIs(t, f.store.Cancel(ctx, "missing", "x"), ErrNotFound)

	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderCancelled}, f.publishedTypes())

	got, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", got.Status.Text())
}

func TestListPagesByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"order-3", "order-1", "order-2"} {
		_, err := f.store.Create(ctx, newOrder(id))
		require.NoError(t, err)
	}

	page, err := f.store.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "order-1", page[0].ID)
	assert.Equal(t, "order-2", page[1].ID)
	assert.Len(t, page[1].Items, 2)

	page, err = f.store.List(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "order-3", page[0].ID)
}

func TestStatusText(t *testing.T) {
	tests := map[Status]string{
		StatusPendingPayment: "Awaiting payment",
		StatusPaid:           "Paid",
		StatusCompleted:      "Completed",
		StatusCancelled:      "Cancelled",
		Status("ARCHIVED"):   "ARCHIVED",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.Text())
	}
}

func TestRecordPublishesStandaloneEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := events.New(events.TypeInventoryReserved, "order-1", events.InventoryReserved{OrderID: "order-1"})
	require.NoError(t, err)
	require.NoError(t, f.store.Record(ctx, e))
	require.NoError(t, f.store.Record(ctx))

	published := f.bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, events.TopicInventory, published[0].Topic)
}

func TestAmountsKeepDoublePrecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, &Order{ID: "order-1", UserID: "user-1", Items: []Item{
		{ProductID: "prod_9", ProductName: "Server rack", Quantity: 1, UnitPrice: 1234567.89},
	}})
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1234567.89, got.TotalAmount)
	assert.Equal(t, 1234567.89, got.Items[0].UnitPrice)
	assert.NotContains(t, ordersSchema, " REAL ")
	assert.NotContains(t, itemsSchema, " REAL ")
}
