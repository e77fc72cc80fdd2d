package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/broker"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

type fakePublisher struct {
	mu    sync.Mutex
	fail  bool
	calls []broker.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	if p.fail {
		return errors.New("broker unreachable")
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	db        *database.DB
	store     *Store
	pub       *fakePublisher
	alerts    *alert.Recorder
	scheduler *Scheduler
	recorder  *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(ctx, db)
	require.NoError(t, err)

	pub := &fakePublisher{}
	alerts := &alert.Recorder{}
	d := NewDispatcher(store, pub, Policy{MaxRetry: 5, PublishTimeout: time.Second}, alerts, nil, nil)

	return &fixture{
		db:        db,
		store:     store,
		pub:       pub,
		alerts:    alerts,
		scheduler: NewScheduler(store, d, SchedulerConfig{BatchSize: 10}, nil, nil),
		recorder:  NewRecorder(store, d, nil),
	}
}

func (f *fixture) save(t *testing.T, eventType string) events.Event {
	t.Helper()
	e, err := events.New(eventType, "order-1", events.OrderCreated{OrderID: "order-1"})
	require.NoError(t, err)
	require.NoError(t, f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return f.recorder.Save(context.Background(), tx, e)
	}))
	return e
}

func TestSaveMessageIsPending(t *testing.T) {
	f := newFixture(t)
	e := f.save(t, events.TypeOrderCreated)

	msg, err := f.store.Get(context.Background(), e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, events.TypeOrderCreated, msg.EventType)
	assert.True(t, msg.SentAt.IsZero())
}

func TestSaveMessageRolledBackWithBusinessTx(t *testing.T) {
	f := newFixture(t)
	e, err := events.New(events.TypeOrderCreated, "order-1", events.OrderCreated{OrderID: "order-1"})
	require.NoError(t, err)

	boom := errors.New("business write failed")
	err = f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := f.recorder.Save(context.Background(), tx, e); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = f.store.Get(context.Background(), e.EventID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPublishNowMarksSent(t *testing.T) {
	f := newFixture(t)
	e := f.save(t, events.TypeOrderCreated)

	f.recorder.PublishNow(context.Background(), e)

	msg, err := f.store.Get(context.Background(), e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)
	assert.False(t, msg.SentAt.IsZero())
	require.Equal(t, 1, f.pub.count())
	assert.Equal(t, events.TopicOrder, f.pub.calls[0].Topic)
	assert.Equal(t, "order-1", f.pub.calls[0].Key)

	// Already SENT: neither path publishes again.
	f.recorder.PublishNow(context.Background(), e)
	assert.Equal(t, 0, f.scheduler.ProcessPending(context.Background()))
	assert.Equal(t, 1, f.pub.count())
}

func TestInlineFailureLeavesMessageForScheduler(t *testing.T) {
	f := newFixture(t)
	f.pub.fail = true
	e := f.save(t, events.TypePaymentCompleted)

	f.recorder.PublishNow(context.Background(), e)

	msg, err := f.store.Get(context.Background(), e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.ErrorMessage, "broker unreachable")

	f.pub.fail = false
	assert.Equal(t, 1, f.scheduler.ProcessPending(context.Background()))

	msg, err = f.store.Get(context.Background(), e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)
	assert.Empty(t, msg.ErrorMessage)
}

func TestRetryCeilingMarksFailedAndAlerts(t *testing.T) {
	f := newFixture(t)
	f.pub.fail = true
	e := f.save(t, events.TypeOrderCreated)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.scheduler.ProcessPending(ctx)
	}

	msg, err := f.store.Get(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 5, msg.RetryCount)
	assert.Equal(t, 1, f.alerts.Count(alert.KindOutboxFailed))
	assert.Equal(t, 5, f.pub.count())

	// A sixth tick must not try again.
	assert.Equal(t, 0, f.scheduler.ProcessPending(ctx))
	assert.Equal(t, 5, f.pub.count())
	assert.Equal(t, 1, f.alerts.Count(alert.KindOutboxFailed))
}

func TestUndecodablePayloadCountsAsFailedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (message_id, event_type, payload, status, retry_count, created_at)
		VALUES ('bad-1', 'ORDER_CREATED', 'not json', 'PENDING', 4, ?)`, database.FormatTime(time.Now()))
	require.NoError(t, err)

	f.scheduler.ProcessPending(ctx)

	msg, err := f.store.Get(ctx, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 5, msg.RetryCount)
	assert.Equal(t, 0, f.pub.count())
	assert.Equal(t, 1, f.alerts.Count(alert.KindOutboxFailed))
}

func TestPendingRowAtCeilingIsFailedWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.save(t, events.TypeOrderCreated)

	_, err := f.db.ExecContext(ctx, `UPDATE outbox_messages SET retry_count = 5 WHERE message_id = ?`, e.EventID)
	require.NoError(t, err)

	f.scheduler.ProcessPending(ctx)

	msg, err := f.store.Get(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Equal(t, 0, f.pub.count())
}

func TestFetchPendingOldestFirstAndBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.save(t, events.TypeOrderCreated).EventID)
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := f.store.FetchPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[0], msgs[0].MessageID)
	assert.Equal(t, ids[1], msgs[1].MessageID)
}

func TestPurgeRemovesOnlyOldSentMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.save(t, events.TypeOrderCreated)
	recent := f.save(t, events.TypeOrderCreated)
	pending := f.save(t, events.TypeOrderCreated)

	require.NoError(t, f.store.MarkAsSent(ctx, old.EventID))
	require.NoError(t, f.store.MarkAsSent(ctx, recent.EventID))
	_, err := f.db.ExecContext(ctx, `UPDATE outbox_messages SET sent_at = ? WHERE message_id = ?`,
		database.FormatTime(time.Now().Add(-8*24*time.Hour)), old.EventID)
	require.NoError(t, err)

	n, err := f.scheduler.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.store.Get(ctx, old.EventID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(ctx, recent.EventID)
	require.NoError(t, err)
	_, err = f.store.Get(ctx, pending.EventID)
	require.NoError(t, err)
}

func TestStatusTransitionsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.save(t, events.TypeOrderCreated)

	require.NoError(t, f.store.MarkAsSent(ctx, e.EventID))
	require.NoError(t, f.store.MarkAsSent(ctx, e.EventID))
	require.NoError(t, f.store.MarkAsFailed(ctx, e.EventID, "late failure"))

	n, err := f.store.IncrementRetryCount(ctx, e.EventID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msg, err := f.store.Get(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)
}

func TestRequeueAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.save(t, events.TypeOrderCreated)

	require.Error(t, f.store.Requeue(ctx, e.EventID))
	require.NoError(t, f.store.MarkAsFailed(ctx, e.EventID, "gave up"))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusFailed])
	assert.Equal(t, 0, stats[StatusPending])

	require.NoError(t, f.store.Requeue(ctx, e.EventID))
	msg, err := f.store.Get(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)

	require.ErrorIs(t, f.store.Requeue(ctx, "missing"), ErrNotFound)
}
