package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

const viewSchema = `
CREATE TABLE IF NOT EXISTS order_read_models (
    order_id       TEXT    PRIMARY KEY,
    user_id        TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    status_text    TEXT    NOT NULL,
    total_amount   DOUBLE PRECISION NOT NULL,
    item_count     INTEGER NOT NULL,
    product_names  TEXT    NOT NULL,
    payment_id     TEXT,
    created_at     TEXT    NOT NULL,
    updated_at     TEXT    NOT NULL,
    synced_at      TEXT    NOT NULL
)`

const syncSchema = `
CREATE TABLE IF NOT EXISTS read_model_sync_status (
    event_id       TEXT    PRIMARY KEY,
    order_id       TEXT    NOT NULL,
    event_type     TEXT    NOT NULL,
    sync_status    TEXT    NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT,
    created_at     TEXT    NOT NULL,
    updated_at     TEXT    NOT NULL
)`

const syncIndex = `
CREATE INDEX IF NOT EXISTS idx_sync_status_order ON read_model_sync_status(order_id)`

// Store owns the read-model rows and the sync-status records.
type Store struct {
	db *database.DB
}

func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	if err := db.ApplySchema(ctx, viewSchema, syncSchema, syncIndex); err != nil {
		return nil, fmt.Errorf("readmodel: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the view of one order.
func (s *Store) Get(ctx context.Context, orderID string) (*OrderView, error) {
	return s.get(ctx, s.db, orderID)
}

// List pages through views by order id.
func (s *Store) List(ctx context.Context, afterID string, limit int) ([]OrderView, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT order_id, user_id, status, status_text, total_amount, item_count,
		       product_names, payment_id, created_at, updated_at, synced_at
		FROM   order_read_models
		WHERE  order_id > ?
		ORDER BY order_id
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("readmodel: list: %w", err)
	}
	defer rows.Close()

	var out []OrderView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, fmt.Errorf("readmodel: list: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// SyncRecord returns the sync record of an event.
func (s *Store) SyncRecord(ctx context.Context, eventID string) (*SyncRecord, error) {
	return s.getSync(ctx, s.db, eventID)
}

// CountSync returns how many sync records exist for an event id.
func (s *Store) CountSync(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT COUNT(*) FROM read_model_sync_status WHERE event_id = ?`), eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("readmodel: count sync %s: %w", eventID, err)
	}
	return n, nil
}

func (s *Store) get(ctx context.Context, q database.Querier, orderID string) (*OrderView, error) {
	const query = `
		SELECT order_id, user_id, status, status_text, total_amount, item_count,
		       product_names, payment_id, created_at, updated_at, synced_at
		FROM   order_read_models
		WHERE  order_id = ?`

	v, err := scanView(q.QueryRowContext(ctx, s.db.Rebind(query), orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("readmodel: get %s: %w", orderID, err)
	}
	return v, nil
}

func (s *Store) upsertView(ctx context.Context, q database.Querier, v OrderView) error {
	const stmt = `
		INSERT INTO order_read_models
			(order_id, user_id, status, status_text, total_amount, item_count,
			 product_names, payment_id, created_at, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			user_id       = excluded.user_id,
			status        = excluded.status,
			status_text   = excluded.status_text,
			total_amount  = excluded.total_amount,
			item_count    = excluded.item_count,
			product_names = excluded.product_names,
			payment_id    = excluded.payment_id,
			created_at    = excluded.created_at,
			updated_at    = excluded.updated_at,
			synced_at     = excluded.synced_at`

	_, err := q.ExecContext(ctx, s.db.Rebind(stmt),
		v.OrderID, v.UserID, v.Status, v.StatusText, v.TotalAmount, v.ItemCount,
		v.ProductNames, database.NullString(v.PaymentID),
		database.FormatTime(v.CreatedAt), database.FormatTime(v.UpdatedAt), database.FormatTime(v.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("readmodel: upsert %s: %w", v.OrderID, err)
	}
	return nil
}

// deleteView reports whether a row was removed.
func (s *Store) deleteView(ctx context.Context, q database.Querier, orderID string) (bool, error) {
	res, err := q.ExecContext(ctx, s.db.Rebind(`DELETE FROM order_read_models WHERE order_id = ?`), orderID)
	if err != nil {
		return false, fmt.Errorf("readmodel: delete %s: %w", orderID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) getSync(ctx context.Context, q database.Querier, eventID string) (*SyncRecord, error) {
	const query = `
		SELECT event_id, order_id, event_type, sync_status, retry_count, error_message,
		       created_at, updated_at
		FROM   read_model_sync_status
		WHERE  event_id = ?`

	var (
		r                SyncRecord
		status           string
		errMsg           sql.NullString
		created, updated string
	)
	err := q.QueryRowContext(ctx, s.db.Rebind(query), eventID).Scan(
		&r.EventID, &r.OrderID, &r.EventType, &status, &r.RetryCount, &errMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readmodel: get sync %s: %w", eventID, err)
	}
	r.Status = SyncStatus(status)
	r.ErrorMessage = errMsg.String
	if r.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) insertSync(ctx context.Context, q database.Querier, r SyncRecord) error {
	const stmt = `
		INSERT INTO read_model_sync_status
			(event_id, order_id, event_type, sync_status, retry_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	now := database.FormatTime(time.Now())
	_, err := q.ExecContext(ctx, s.db.Rebind(stmt),
		r.EventID, r.OrderID, r.EventType, string(r.Status), r.RetryCount,
		database.NullString(r.ErrorMessage), now, now)
	if err != nil {
		return fmt.Errorf("readmodel: insert sync %s: %w", r.EventID, err)
	}
	return nil
}

func (s *Store) setSyncStatus(ctx context.Context, q database.Querier, eventID string, status SyncStatus, errMsg string) error {
	const stmt = `
		UPDATE read_model_sync_status
		SET    sync_status = ?, error_message = ?, updated_at = ?
		WHERE  event_id = ?`

	_, err := q.ExecContext(ctx, s.db.Rebind(stmt),
		string(status), database.NullString(errMsg), database.FormatTime(time.Now()), eventID)
	if err != nil {
		return fmt.Errorf("readmodel: set sync %s %s: %w", eventID, status, err)
	}
	return nil
}

// recordFailure counts a failed attempt on the event's sync record,
// creating it when the failed transaction left none behind.
func (s *Store) recordFailure(ctx context.Context, r SyncRecord) (int, error) {
	var retries int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getSync(ctx, tx, r.EventID)
		if err != nil {
			return err
		}
		if existing == nil {
			r.Status, r.RetryCount = SyncFailed, 1
			retries = 1
			return s.insertSync(ctx, tx, r)
		}
		if existing.Status == SyncSuccess {
			retries = existing.RetryCount
			return nil
		}

		const stmt = `
			UPDATE read_model_sync_status
			SET    sync_status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
			WHERE  event_id = ?`
		if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt),
			string(SyncFailed), database.NullString(r.ErrorMessage), database.FormatTime(time.Now()), r.EventID,
		); err != nil {
			return err
		}
		retries = existing.RetryCount + 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("readmodel: record failure of %s: %w", r.EventID, err)
	}
	return retries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (*OrderView, error) {
	var (
		v                        OrderView
		paymentID                sql.NullString
		created, updated, synced string
	)
	if err := row.Scan(&v.OrderID, &v.UserID, &v.Status, &v.StatusText, &v.TotalAmount, &v.ItemCount,
		&v.ProductNames, &paymentID, &created, &updated, &synced); err != nil {
		return nil, err
	}
	v.PaymentID = paymentID.String

	var err error
	if v.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	if v.SyncedAt, err = database.ParseTime(synced); err != nil {
		return nil, err
	}
	return &v, nil
}
