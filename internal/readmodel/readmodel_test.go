package readmodel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/outbox"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

// flakyWrite fails Load while broken is set.
type flakyWrite struct {
	*order.Store
	broken atomic.Bool
}

func (w *flakyWrite) Load(ctx context.Context, q database.Querier, orderID string) (*order.Order, error) {
	if w.broken.Load() {
		return nil, errors.New("write model unavailable")
	}
	return w.Store.Load(ctx, q, orderID)
}

type fixture struct {
	db       *database.DB
	orders   *order.Store
	write    *flakyWrite
	store    *Store
	sync     *Synchronizer
	consumer *Consumer
	bus      *broker.InMemoryBus
	alerts   *alert.Recorder
}

func newFixture(t *testing.T, subscribe bool) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(ctx, db)
	require.NoError(t, err)
	bus := broker.NewInMemoryBus(nil)
	bus.MaxDeliveries = 1
	alerts := &alert.Recorder{}
	d := outbox.NewDispatcher(ob, bus, outbox.Policy{MaxRetry: 5, PublishTimeout: time.Second}, alerts, nil, nil)

	orders, err := order.NewStore(ctx, db, outbox.NewRecorder(ob, d, nil), nil)
	require.NoError(t, err)
	store, err := NewStore(ctx, db)
	require.NoError(t, err)

	write := &flakyWrite{Store: orders}
	sync := NewSynchronizer(db, store, write, alerts, nil, nil)
	consumer := NewConsumer(bus, "", sync, alerts, nil)
	if subscribe {
		bus.Register(DefaultGroup, events.Topics, consumer.Handle)
	}
	return &fixture{
		db: db, orders: orders, write: write, store: store,
		sync: sync, consumer: consumer, bus: bus, alerts: alerts,
	}
}

func (f *fixture) createOrder(t *testing.T, id string) {
	t.Helper()
	_, err := f.orders.Create(context.Background(), &order.Order{
		ID:     id,
		UserID: "user-1",
		Items:  []order.Item{{ProductID: "prod_1", ProductName: "Keyboard", Quantity: 2, UnitPrice: 25}},
	})
	require.NoError(t, err)
}

func TestOrderCreatedIsProjectedOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.createOrder(t, "order-1")

	view, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "PENDING_PAYMENT", view.Status)
	assert.Equal(t, "Awaiting payment", view.StatusText)
	assert.Equal(t, 1, view.ItemCount)
	assert.Equal(t, "Keyboard", view.ProductNames)
	assert.InDelta(t, 50.0, view.TotalAmount, 1e-9)

	published := f.bus.Published()
	require.Len(t, published, 1)

	// Redelivery of the same event.
	require.NoError(t, f.consumer.Handle(ctx, published[0]))

	again, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, view, again)

	n, err := f.store.CountSync(ctx, published[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.store.SyncRecord(ctx, published[0].ID)
	require.NoError(t, err)
	assert.Equal(t, SyncSuccess, rec.Status)
	assert.Equal(t, events.TypeOrderCreated, rec.EventType)
}

func TestLaterEventsRecomputeFromWriteModel(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.createOrder(t, "order-1")
	require.NoError(t, f.orders.MarkPaid(ctx, "order-1", "pay-1", 50))

	view, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "PAID", view.Status)
	assert.Equal(t, "Paid", view.StatusText)
	assert.Equal(t, "pay-1", view.PaymentID)
}

func TestProjectionFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.createOrder(t, "order-1")
	e, err := events.Unmarshal(f.bus.Published()[0].Payload)
	require.NoError(t, err)

	f.write.broken.Store(true)
	for i := 1; i <= 2; i++ {
		result, err := f.sync.HandleEvent(ctx, e)
		assert.Equal(t, ResultFailed, result)
		var perr *ProjectionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "order-1", perr.OrderID)

		rec, err := f.store.SyncRecord(ctx, e.EventID)
		require.NoError(t, err)
		assert.Equal(t, SyncFailed, rec.Status)
		assert.Equal(t, i, rec.RetryCount)
	}
	_, err = f.store.Get(ctx, "order-1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, f.alerts.Count(alert.KindProjectionFailure))

	f.write.broken.Store(false)
	result, err := f.sync.HandleEvent(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)

	rec, err := f.store.SyncRecord(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, SyncSuccess, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)

	n, err := f.store.CountSync(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventForMissingOrderRemovesView(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.store.upsertView(ctx, f.db, OrderView{
		OrderID: "ghost", UserID: "user-1", Status: "PAID", StatusText: "Paid",
		CreatedAt: time.Now(), UpdatedAt: time.Now(), SyncedAt: time.Now(),
	}))

	e, err := events.New(events.TypeOrderPaid, "ghost", events.OrderPaid{OrderID: "ghost"})
	require.NoError(t, err)
	result, err := f.sync.HandleEvent(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ResultOrphaned, result)

	_, err = f.store.Get(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	rec, err := f.store.SyncRecord(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, SyncSuccess, rec.Status)
}

func TestRepairThenCheckIsClean(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, id := range []string{"order-1", "order-2", "order-3"} {
		f.createOrder(t, id)
	}
	require.NoError(t, f.sync.SyncOrderReadModel(ctx, "order-2"))
	require.NoError(t, f.sync.SyncOrderReadModel(ctx, "order-3"))

	_, err := f.db.ExecContext(ctx, `UPDATE order_read_models SET status_text = 'Shipped' WHERE order_id = 'order-3'`)
	require.NoError(t, err)
	require.NoError(t, f.store.upsertView(ctx, f.db, OrderView{
		OrderID: "order-9", UserID: "user-9", Status: "PAID", StatusText: "Paid",
		CreatedAt: time.Now(), UpdatedAt: time.Now(), SyncedAt: time.Now(),
	}))

	issues, err := f.sync.CheckDataConsistency(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Inconsistency{
		{OrderID: "order-1", Kind: MissingRead},
		{OrderID: "order-3", Kind: FieldMismatch, Field: "statusText", Expected: "Awaiting payment", Actual: "Shipped"},
		{OrderID: "order-9", Kind: OrphanRead},
	}, issues)

	report, err := f.sync.RepairInconsistentData(ctx)
	require.NoError(t, err)
	assert.Equal(t, RepairReport{Found: 3, Repaired: 2, Deleted: 1}, report)

	issues, err = f.sync.CheckDataConsistency(ctx)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestSyncAllOrders(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, id := range []string{"order-1", "order-2"} {
		f.createOrder(t, id)
	}
	n, err := f.sync.SyncAllOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	views, err := f.store.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	require.ErrorIs(t, f.sync.SyncOrderReadModel(ctx, "missing"), ErrNotFound)
}

func TestConsumerDropsUndecodableMessages(t *testing.T) {
	f := newFixture(t, false)

	err := f.consumer.Handle(context.Background(), broker.Message{ID: "m-1", Topic: events.TopicOrder, Payload: []byte("{")})
	require.NoError(t, err)
	assert.Equal(t, 1, f.alerts.Count(alert.KindProjectionFailure))
}

func TestProjectedTotalKeepsDoublePrecision(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.orders.Create(ctx, &order.Order{
		ID:     "order-1",
		UserID: "user-1",
		Items:  []order.Item{{ProductID: "prod_9", ProductName: "Server rack", Quantity: 1, UnitPrice: 1234567.89}},
	})
	require.NoError(t, err)

	view, err := f.store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1234567.89, view.TotalAmount)
	assert.NotContains(t, viewSchema, " REAL ")
}
