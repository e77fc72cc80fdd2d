package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
    message_id     TEXT    PRIMARY KEY,
    event_type     TEXT    NOT NULL,
    aggregate_id   TEXT    NOT NULL DEFAULT '',
    payload        TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT    NOT NULL,
    sent_at        TEXT,
    error_message  TEXT
)`

const schemaIndex = `
CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_messages(status, created_at)`

// Store owns the outbox_messages rows.
type Store struct {
	db *database.DB
}

// NewStore applies the schema and returns the store.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	if err := db.ApplySchema(ctx, schema, schemaIndex); err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveMessage inserts the event as a PENDING message. q must be the
// transaction carrying the business change that produced the event.
func (s *Store) SaveMessage(ctx context.Context, q database.Querier, e events.Event) error {
	payload, err := events.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox: save %s: %w", e.EventID, err)
	}

	const stmt = `
		INSERT INTO outbox_messages
			(message_id, event_type, aggregate_id, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`

	if _, err := q.ExecContext(ctx, s.db.Rebind(stmt),
		e.EventID,
		e.EventType,
		e.AggregateID,
		string(payload),
		string(StatusPending),
		database.FormatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("outbox: save %s: %w", e.EventID, err)
	}
	return nil
}

// MarkAsSent records a confirmed broker acknowledgment. No-op unless PENDING.
func (s *Store) MarkAsSent(ctx context.Context, messageID string) error {
	const stmt = `
		UPDATE outbox_messages
		SET    status = ?, sent_at = ?, error_message = NULL
		WHERE  message_id = ? AND status = ?`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(stmt),
		string(StatusSent), database.FormatTime(time.Now()), messageID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("outbox: mark %s sent: %w", messageID, err)
	}
	return nil
}

// MarkAsFailed moves a PENDING message to the terminal FAILED state.
func (s *Store) MarkAsFailed(ctx context.Context, messageID, reason string) error {
	const stmt = `
		UPDATE outbox_messages
		SET    status = ?, error_message = ?
		WHERE  message_id = ? AND status = ?`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(stmt),
		string(StatusFailed), database.NullString(reason), messageID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("outbox: mark %s failed: %w", messageID, err)
	}
	return nil
}

// IncrementRetryCount counts one failed publish attempt on a PENDING message
// and returns the resulting retry count.
func (s *Store) IncrementRetryCount(ctx context.Context, messageID, reason string) (int, error) {
	const stmt = `
		UPDATE outbox_messages
		SET    retry_count = retry_count + 1, error_message = ?
		WHERE  message_id = ? AND status = ?`

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(stmt),
		database.NullString(reason), messageID, string(StatusPending)); err != nil {
		return 0, fmt.Errorf("outbox: increment retry of %s: %w", messageID, err)
	}

	msg, err := s.Get(ctx, messageID)
	if err != nil {
		return 0, err
	}
	return msg.RetryCount, nil
}

// FetchPending returns up to limit PENDING messages, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]Message, error) {
	const q = `
		SELECT message_id, event_type, aggregate_id, payload, status, retry_count,
		       created_at, sent_at, error_message
		FROM   outbox_messages
		WHERE  status = ?
		ORDER  BY created_at ASC, message_id ASC
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	return out, nil
}

// Get returns a single message.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	const q = `
		SELECT message_id, event_type, aggregate_id, payload, status, retry_count,
		       created_at, sent_at, error_message
		FROM   outbox_messages
		WHERE  message_id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.db.Rebind(q), messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PurgeSent deletes SENT messages acknowledged before the cutoff.
func (s *Store) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `DELETE FROM outbox_messages WHERE status = ? AND sent_at < ?`

	res, err := s.db.ExecContext(ctx, s.db.Rebind(stmt), string(StatusSent), database.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("outbox: purge sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: purge sent: %w", err)
	}
	return n, nil
}

// Requeue puts a FAILED message back to PENDING with a fresh retry budget.
// This is the manual intervention that follows an exhausted-retries alert.
func (s *Store) Requeue(ctx context.Context, messageID string) error {
	const stmt = `
		UPDATE outbox_messages
		SET    status = ?, retry_count = 0
		WHERE  message_id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, s.db.Rebind(stmt), string(StatusPending), messageID, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("outbox: requeue %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, messageID); err != nil {
			return err
		}
		return fmt.Errorf("outbox: requeue %s: message is not FAILED", messageID)
	}
	return nil
}

// Stats counts messages by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: stats: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox: stats: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg       Message
		payload   string
		status    string
		createdAt string
		sentAt    sql.NullString
		errMsg    sql.NullString
	)
	if err := row.Scan(
		&msg.MessageID,
		&msg.EventType,
		&msg.AggregateID,
		&payload,
		&status,
		&msg.RetryCount,
		&createdAt,
		&sentAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("outbox: scan message: %w", err)
	}

	var err error
	if msg.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if msg.SentAt, err = database.ParseNullTime(sentAt); err != nil {
		return nil, err
	}
	msg.Payload = []byte(payload)
	msg.Status = Status(status)
	msg.ErrorMessage = errMsg.String
	return &msg, nil
}
