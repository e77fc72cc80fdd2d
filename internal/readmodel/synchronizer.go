package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// WriteModel is the authoritative order source. Load must honour q so the
// order is read inside the projecting transaction.
type WriteModel interface {
	Load(ctx context.Context, q database.Querier, orderID string) (*order.Order, error)
	List(ctx context.Context, afterID string, limit int) ([]order.Order, error)
}

// Result is what HandleEvent did with an event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultOrphaned  Result = "orphaned"
	ResultFailed    Result = "failed"
)

// Synchronizer applies delivered events to the read model. It owns the
// read-model rows and the sync records; nothing else writes them.
type Synchronizer struct {
	db      *database.DB
	store   *Store
	write   WriteModel
	alerter alert.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewSynchronizer(db *database.DB, store *Store, write WriteModel, alerter alert.Alerter, m *metrics.Metrics, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		db:      db,
		store:   store,
		write:   write,
		alerter: alerter,
		metrics: m,
		logger:  telemetry.OrDefault(logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent projects the order an event refers to. An event whose sync
// record is SUCCESS is skipped without touching the read model. Everything
// else (the PENDING marker, the view upsert and the SUCCESS mark) commits
// in one transaction. On failure the record is marked FAILED with one more
// retry in a separate transaction and a *ProjectionError is returned so the
// broker redelivers the event.
func (s *Synchronizer) HandleEvent(ctx context.Context, e events.Event) (Result, error) {
	orderID := events.OrderID(e)
	if err := e.Validate(); err != nil {
		return ResultFailed, s.fail(ctx, e, orderID, err)
	}
	if orderID == "" {
		return ResultFailed, s.fail(ctx, e, orderID, errors.New("event carries no order id"))
	}

	result := ResultApplied
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.store.getSync(ctx, tx, e.EventID)
		if err != nil {
			return err
		}
		switch {
		case rec == nil:
			if err := s.store.insertSync(ctx, tx, SyncRecord{
				OrderID:   orderID,
				EventID:   e.EventID,
				EventType: e.EventType,
				Status:    SyncPending,
			}); err != nil {
				return err
			}
		case rec.Status == SyncSuccess:
			result = ResultDuplicate
			return nil
		default:
			if err := s.store.setSyncStatus(ctx, tx, e.EventID, SyncPending, rec.ErrorMessage); err != nil {
				return err
			}
		}

		orphaned, err := s.project(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if orphaned {
			result = ResultOrphaned
		}
		return s.store.setSyncStatus(ctx, tx, e.EventID, SyncSuccess, "")
	})
	if err != nil {
		return ResultFailed, s.fail(ctx, e, orderID, err)
	}

	s.metrics.ReadModelEvent(string(result))
	s.logger.DebugContext(ctx, "event synchronized",
		"event_id", e.EventID, "event_type", e.EventType, "order_id", orderID, "result", result)
	return result, nil
}

// project recomputes one view from the write model through q. A missing
// write row removes the view and reports orphaned.
func (s *Synchronizer) project(ctx context.Context, q database.Querier, orderID string) (orphaned bool, err error) {
	o, err := s.write.Load(ctx, q, orderID)
	if errors.Is(err, order.ErrNotFound) {
		if _, err := s.store.deleteView(ctx, q, orderID); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, s.store.upsertView(ctx, q, Project(o, s.now()))
}

func (s *Synchronizer) fail(ctx context.Context, e events.Event, orderID string, cause error) error {
	s.metrics.ReadModelEvent(string(ResultFailed))
	perr := &ProjectionError{EventID: e.EventID, OrderID: orderID, Err: cause}

	retries := 0
	if e.EventID != "" {
		var err error
		retries, err = s.store.recordFailure(ctx, SyncRecord{
			OrderID:      orderID,
			EventID:      e.EventID,
			EventType:    e.EventType,
			ErrorMessage: cause.Error(),
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "sync failure not recorded", "event_id", e.EventID, "error", err)
		}
	}

	s.logger.ErrorContext(ctx, "event projection failed",
		"event_id", e.EventID, "order_id", orderID, "retry_count", retries, "error", cause)
	if s.alerter != nil {
		s.alerter.Raise(ctx, alert.Alert{
			Kind:    alert.KindProjectionFailure,
			Subject: e.EventID,
			Message: perr.Error(),
			Attrs:   []any{"order_id", orderID, "retry_count", retries},
		})
	}
	return perr
}
