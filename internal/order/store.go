package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id      TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    status        TEXT NOT NULL,
    total_amount  DOUBLE PRECISION NOT NULL,
    payment_id    TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
)`

const itemsSchema = `
CREATE TABLE IF NOT EXISTS order_items (
    order_id      TEXT    NOT NULL REFERENCES orders(order_id),
    line_no       INTEGER NOT NULL,
    product_id    TEXT    NOT NULL,
    product_name  TEXT    NOT NULL,
    quantity      INTEGER NOT NULL,
    unit_price    DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (order_id, line_no)
)`

// EventRecorder writes domain events to the outbox. Save runs inside the
// business transaction; PublishNow runs after it commits.
type EventRecorder interface {
	Save(ctx context.Context, tx database.Querier, e events.Event) error
	PublishNow(ctx context.Context, evs ...events.Event)
}

// Store is the transactional repository of the order aggregate.
type Store struct {
	db       *database.DB
	recorder EventRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(ctx context.Context, db *database.DB, recorder EventRecorder, logger *slog.Logger) (*Store, error) {
	if err := db.ApplySchema(ctx, ordersSchema, itemsSchema); err != nil {
		return nil, fmt.Errorf("order: %w", err)
	}
	return &Store{
		db:       db,
		recorder: recorder,
		logger:   telemetry.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create persists a new PENDING_PAYMENT order together with its
// ORDER_CREATED event. Creating an id that already exists is a no-op and
// reports created=false, so a retried step does not duplicate the order.
func (s *Store) Create(ctx context.Context, o *Order) (created bool, err error) {
	if err := o.Validate(); err != nil {
		return false, err
	}

	now := s.now()
	o.Status = StatusPendingPayment
	o.TotalAmount = Total(o.Items)
	o.CreatedAt, o.UpdatedAt = now, now

	e, err := events.New(events.TypeOrderCreated, o.ID, events.OrderCreated{
		OrderID:     o.ID,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount,
		Items:       EventItems(o.Items),
	})
	if err != nil {
		return false, err
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM orders WHERE order_id = ?`), o.ID).Scan(&exists)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		const insertOrder = `
			INSERT INTO orders (order_id, user_id, status, total_amount, payment_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULL, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.db.Rebind(insertOrder),
			o.ID, o.UserID, string(o.Status), o.TotalAmount,
			database.FormatTime(now), database.FormatTime(now),
		); err != nil {
			return err
		}

		const insertItem = `
			INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?)`
		for i, it := range o.Items {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(insertItem),
				o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice,
			); err != nil {
				return err
			}
		}

		created = true
		return s.recorder.Save(ctx, tx, e)
	})
	if err != nil {
		return false, fmt.Errorf("order: create %s: %w", o.ID, err)
	}

	if created {
		s.logger.InfoContext(ctx, "order created", "order_id", o.ID, "total_amount", o.TotalAmount)
		s.recorder.PublishNow(ctx, e)
	}
	return created, nil
}

// MarkPaid moves a PENDING_PAYMENT order to PAID and records ORDER_PAID and
// PAYMENT_COMPLETED.
func (s *Store) MarkPaid(ctx context.Context, orderID, paymentID string, amount float64) error {
	return s.transition(ctx, orderID, StatusPaid, paymentID, func(*Order) ([]events.Event, error) {
		paid, err := events.New(events.TypeOrderPaid, orderID, events.OrderPaid{
			OrderID: orderID, PaymentID: paymentID, Amount: amount,
		})
		if err != nil {
			return nil, err
		}
		completed, err := events.New(events.TypePaymentCompleted, orderID, events.PaymentCompleted{
			OrderID: orderID, PaymentID: paymentID, Amount: amount,
		})
		if err != nil {
			return nil, err
		}
		return []events.Event{paid, completed}, nil
	})
}

// Cancel moves an open order to CANCELLED and records ORDER_CANCELLED.
func (s *Store) Cancel(ctx context.Context, orderID, reason string) error {
	return s.transition(ctx, orderID, StatusCancelled, "", func(*Order) ([]events.Event, error) {
		e, err := events.New(events.TypeOrderCancelled, orderID, events.OrderCancelled{
			OrderID: orderID, Reason: reason,
		})
		return []events.Event{e}, err
	})
}

// Complete moves a PAID order to COMPLETED and records ORDER_COMPLETED
// followed by any extra events the caller attaches, such as the
// notification that closed the order.
func (s *Store) Complete(ctx context.Context, orderID string, extra ...events.Event) error {
	return s.transition(ctx, orderID, StatusCompleted, "", func(*Order) ([]events.Event, error) {
		e, err := events.New(events.TypeOrderCompleted, orderID, events.OrderCompleted{OrderID: orderID})
		if err != nil {
			return nil, err
		}
		return append([]events.Event{e}, extra...), nil
	})
}

// Record commits events that accompany no order row change, such as a
// collaborator's reservation or refund, and publishes them.
func (s *Store) Record(ctx context.Context, evs ...events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range evs {
			if err := s.recorder.Save(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("order: record events: %w", err)
	}
	s.recorder.PublishNow(ctx, evs...)
	return nil
}

// transition applies a status change and its events in one transaction.
// Re-applying the status the order already has is a no-op without events.
func (s *Store) transition(
	ctx context.Context,
	orderID string,
	to Status,
	paymentID string,
	build func(*Order) ([]events.Event, error),
) error {
	var evs []events.Event
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		o, err := s.load(ctx, tx, orderID, false)
		if err != nil {
			return err
		}
		if o.Status == to {
			return nil
		}
		if !o.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}

		const stmt = `
			UPDATE orders
			SET    status = ?, payment_id = COALESCE(?, payment_id), updated_at = ?
			WHERE  order_id = ?`
		if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt),
			string(to), database.NullString(paymentID), database.FormatTime(s.now()), orderID,
		); err != nil {
			return err
		}

		if evs, err = build(o); err != nil {
			return err
		}
		for _, e := range evs {
			if err := s.recorder.Save(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("order: %s %s: %w", strings.ToLower(string(to)), orderID, err)
	}

	if len(evs) > 0 {
		s.logger.InfoContext(ctx, "order status changed", "order_id", orderID, "status", to)
		s.recorder.PublishNow(ctx, evs...)
	}
	return nil
}

// Get loads one order with its items.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.load(ctx, s.db, orderID, true)
	if err != nil {
		return nil, fmt.Errorf("order: get %s: %w", orderID, err)
	}
	return o, nil
}

// Load reads an order with its items through q, which lets a caller that
// derives data from the order read it inside its own transaction.
func (s *Store) Load(ctx context.Context, q database.Querier, orderID string) (*Order, error) {
	o, err := s.load(ctx, q, orderID, true)
	if err != nil {
		return nil, fmt.Errorf("order: load %s: %w", orderID, err)
	}
	return o, nil
}

// List pages through orders by id. Pass the last id of the previous page as
// afterID; an empty afterID starts from the beginning.
func (s *Store) List(ctx context.Context, afterID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT order_id, user_id, status, total_amount, payment_id, created_at, updated_at
		FROM   orders
		WHERE  order_id > ?
		ORDER BY order_id
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("order: list: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("order: list: %w", err)
	}
	_ = rows.Close()

	// Items are read once the order cursor is closed; SQLite runs on a
	// single connection.
	for i := range out {
		if out[i].Items, err = s.items(ctx, s.db, out[i].ID); err != nil {
			return nil, fmt.Errorf("order: list: %w", err)
		}
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, q database.Querier, orderID string, withItems bool) (*Order, error) {
	const query = `
		SELECT order_id, user_id, status, total_amount, payment_id, created_at, updated_at
		FROM   orders
		WHERE  order_id = ?`

	o, err := scanOrder(q.QueryRowContext(ctx, s.db.Rebind(query), orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if withItems {
		if o.Items, err = s.items(ctx, q, orderID); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (s *Store) items(ctx context.Context, q database.Querier, orderID string) ([]Item, error) {
	const query = `
		SELECT product_id, product_name, quantity, unit_price
		FROM   order_items
		WHERE  order_id = ?
		ORDER BY line_no`

	rows, err := q.QueryContext(ctx, s.db.Rebind(query), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o                Order
		status           string
		paymentID        sql.NullString
		created, updated string
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalAmount, &paymentID, &created, &updated); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentID = paymentID.String

	var err error
	if o.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &o, nil
}
