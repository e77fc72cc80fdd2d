// Package sqlstore provides the database/sql implementation of
// sagalog.Repository. It runs on SQLite (modernc) or PostgreSQL (pgx)
// through database.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
)

// saga_instances holds one row per saga; it is never deleted.
const schemaSagas = `
CREATE TABLE IF NOT EXISTS saga_instances (
    saga_id       TEXT    PRIMARY KEY,
    saga_type     TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    current_step  INTEGER NOT NULL DEFAULT 0,
    context       TEXT    NOT NULL DEFAULT '{}',
    started_at    TEXT    NOT NULL,
    completed_at  TEXT,
    timeout_at    TEXT    NOT NULL
)`

// Serves the timeout scan and recovery: "RUNNING sagas ordered by deadline".
const schemaSagasIndex = `
CREATE INDEX IF NOT EXISTS idx_saga_instances_status_timeout ON saga_instances(status, timeout_at)`

const schemaSteps = `
CREATE TABLE IF NOT EXISTS saga_step_executions (
    saga_id        TEXT    NOT NULL,
    step_name      TEXT    NOT NULL,
    step_order     INTEGER NOT NULL,
    status         TEXT    NOT NULL,
    started_at     TEXT    NOT NULL,
    completed_at   TEXT,
    error_message  TEXT,
    trace_id       TEXT    NOT NULL DEFAULT '',
    span_id        TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (saga_id, step_order)
)`

// Lets an operator go from a trace back to the step that produced it.
const schemaStepsTraceIndex = `
CREATE INDEX IF NOT EXISTS idx_saga_step_executions_trace_id ON saga_step_executions(trace_id)`

// Repository is the SQL implementation of sagalog.Repository.
type Repository struct {
	db *database.DB
}

var _ sagalog.Repository = (*Repository)(nil)

// New applies the schema and returns the repository.
//
//	repo, err := sqlstore.New(ctx, db)
func New(ctx context.Context, db *database.DB) (*Repository, error) {
	if err := db.ApplySchema(ctx, schemaSagas, schemaSagasIndex, schemaSteps, schemaStepsTraceIndex); err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	return &Repository{db: db}, nil
}

// CreateSaga inserts a new instance.
func (r *Repository) CreateSaga(ctx context.Context, s *sagalog.SagaInstance) error {
	const q = `
		INSERT INTO saga_instances
			(saga_id, saga_type, status, current_step, context, started_at, completed_at, timeout_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	sagaCtx := s.Context
	if len(sagaCtx) == 0 {
		sagaCtx = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		s.SagaID,
		s.SagaType,
		string(s.Status),
		s.CurrentStep,
		string(sagaCtx),
		database.FormatTime(s.StartedAt),
		database.NullTime(s.CompletedAt),
		database.FormatTime(s.TimeoutAt),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: create saga %q: %w", s.SagaID, err)
	}
	return nil
}

// GetSaga returns sagalog.ErrNotFound for unknown ids.
func (r *Repository) GetSaga(ctx context.Context, sagaID string) (*sagalog.SagaInstance, error) {
	const q = `
		SELECT saga_id, saga_type, status, current_step, context, started_at, completed_at, timeout_at
		FROM   saga_instances
		WHERE  saga_id = ?`

	s, err := scanSaga(r.db.QueryRowContext(ctx, r.db.Rebind(q), sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sagalog.ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get saga %q: %w", sagaID, err)
	}
	return s, nil
}

// SaveProgress only applies while the saga is RUNNING.
func (r *Repository) SaveProgress(ctx context.Context, sagaID string, currentStep int, sagaContext []byte) error {
	const q = `
		UPDATE saga_instances
		SET    current_step = ?, context = ?
		WHERE  saga_id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		currentStep, string(sagaContext), sagaID, string(sagalog.StatusRunning))
	if err != nil {
		return fmt.Errorf("sqlstore: save progress of %q: %w", sagaID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		saga, err := r.GetSaga(ctx, sagaID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", sagalog.ErrNotRunning, sagaID, saga.Status)
	}
	return nil
}

// UpdateStatus is a compare-and-set on status. Terminal statuses stamp
// completed_at.
func (r *Repository) UpdateStatus(ctx context.Context, sagaID string, from, to sagalog.Status, at time.Time) (bool, error) {
	if err := sagalog.CheckTransition(from, to); err != nil {
		return false, err
	}

	var completedAt any
	if to.Terminal() {
		completedAt = database.FormatTime(at)
	}

	const q = `
		UPDATE saga_instances
		SET    status = ?, completed_at = COALESCE(?, completed_at)
		WHERE  saga_id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), string(to), completedAt, sagaID, string(from))
	if err != nil {
		return false, fmt.Errorf("sqlstore: update status of %q: %w", sagaID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: update status of %q: %w", sagaID, err)
	}
	return n == 1, nil
}

// FindTimedOut returns RUNNING sagas past their deadline, earliest first.
func (r *Repository) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]sagalog.SagaInstance, error) {
	const q = `
		SELECT saga_id, saga_type, status, current_step, context, started_at, completed_at, timeout_at
		FROM   saga_instances
		WHERE  status = ? AND timeout_at < ?
		ORDER  BY timeout_at ASC
		LIMIT  ?`

	return r.querySagas(ctx, q, string(sagalog.StatusRunning), database.FormatTime(now), limit)
}

func (r *Repository) FindByStatus(ctx context.Context, status sagalog.Status, limit int) ([]sagalog.SagaInstance, error) {
	const q = `
		SELECT saga_id, saga_type, status, current_step, context, started_at, completed_at, timeout_at
		FROM   saga_instances
		WHERE  status = ?
		ORDER  BY started_at ASC
		LIMIT  ?`

	return r.querySagas(ctx, q, string(status), limit)
}

// StartStep upserts a RUNNING row for (saga_id, step_order). The saga row is
// checked in the same transaction, so no step starts once the saga has been
// moved to COMPENSATING.
func (r *Repository) StartStep(ctx context.Context, step *sagalog.StepExecution) error {
	lock := `SELECT status FROM saga_instances WHERE saga_id = ?`
	if r.db.Driver() == database.DriverPostgres {
		lock += ` FOR UPDATE`
	}
	const upsert = `
		INSERT INTO saga_step_executions
			(saga_id, step_name, step_order, status, started_at, trace_id, span_id)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (saga_id, step_order) DO UPDATE
		SET    status = excluded.status,
		       started_at = excluded.started_at,
		       completed_at = NULL,
		       error_message = NULL,
		       trace_id = excluded.trace_id,
		       span_id = excluded.span_id`

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, r.db.Rebind(lock), step.SagaID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", sagalog.ErrNotFound, step.SagaID)
		}
		if err != nil {
			return fmt.Errorf("sqlstore: start step %d of %q: %w", step.StepOrder, step.SagaID, err)
		}
		if sagalog.Status(status) != sagalog.StatusRunning {
			return fmt.Errorf("%w: %s is %s", sagalog.ErrNotRunning, step.SagaID, status)
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(upsert),
			step.SagaID,
			step.StepName,
			step.StepOrder,
			string(sagalog.StepRunning),
			database.FormatTime(step.StartedAt),
			step.TraceID,
			step.SpanID,
		)
		if err != nil {
			return fmt.Errorf("sqlstore: start step %d of %q: %w", step.StepOrder, step.SagaID, err)
		}
		return nil
	})
}

// FinishStep moves a step to a COMPLETED, FAILED or COMPENSATED state after
// validating the transition against the stored status.
func (r *Repository) FinishStep(ctx context.Context, sagaID string, stepOrder int, status sagalog.StepStatus, errMsg string, at time.Time) error {
	var current string
	err := r.db.QueryRowContext(ctx,
		r.db.Rebind(`SELECT status FROM saga_step_executions WHERE saga_id = ? AND step_order = ?`),
		sagaID, stepOrder,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: step %d of %s", sagalog.ErrNotFound, stepOrder, sagaID)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: finish step %d of %q: %w", stepOrder, sagaID, err)
	}
	if err := sagalog.CheckStepTransition(sagalog.StepStatus(current), status); err != nil {
		return err
	}

	const q = `
		UPDATE saga_step_executions
		SET    status = ?, completed_at = ?, error_message = ?
		WHERE  saga_id = ? AND step_order = ? AND status = ?`

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		string(status),
		database.FormatTime(at),
		database.NullString(errMsg),
		sagaID,
		stepOrder,
		current,
	); err != nil {
		return fmt.Errorf("sqlstore: finish step %d of %q: %w", stepOrder, sagaID, err)
	}
	return nil
}

// ListSteps returns the audit trail of a saga in step order.
func (r *Repository) ListSteps(ctx context.Context, sagaID string) ([]sagalog.StepExecution, error) {
	const q = `
		SELECT saga_id, step_name, step_order, status, started_at, completed_at,
		       error_message, trace_id, span_id
		FROM   saga_step_executions
		WHERE  saga_id = ?
		ORDER  BY step_order ASC`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list steps of %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []sagalog.StepExecution
	for rows.Next() {
		var (
			st          sagalog.StepExecution
			status      string
			startedAt   string
			completedAt sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&st.SagaID, &st.StepName, &st.StepOrder, &status, &startedAt,
			&completedAt, &errMsg, &st.TraceID, &st.SpanID); err != nil {
			return nil, fmt.Errorf("sqlstore: scan step: %w", err)
		}
		st.Status = sagalog.StepStatus(status)
		st.ErrorMessage = errMsg.String
		if st.StartedAt, err = database.ParseTime(startedAt); err != nil {
			return nil, err
		}
		if st.CompletedAt, err = database.ParseNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list steps of %q: %w", sagaID, err)
	}
	return out, nil
}

func (r *Repository) querySagas(ctx context.Context, q string, args ...any) ([]sagalog.SagaInstance, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query sagas: %w", err)
	}
	defer rows.Close()

	var out []sagalog.SagaInstance
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan saga: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: query sagas: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(row scanner) (*sagalog.SagaInstance, error) {
	var (
		s           sagalog.SagaInstance
		status      string
		sagaCtx     string
		startedAt   string
		completedAt sql.NullString
		timeoutAt   string
	)
	if err := row.Scan(&s.SagaID, &s.SagaType, &status, &s.CurrentStep, &sagaCtx,
		&startedAt, &completedAt, &timeoutAt); err != nil {
		return nil, err
	}

	var err error
	if s.StartedAt, err = database.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if s.CompletedAt, err = database.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	if s.TimeoutAt, err = database.ParseTime(timeoutAt); err != nil {
		return nil, err
	}
	s.Status = sagalog.Status(status)
	s.Context = []byte(sagaCtx)
	return &s, nil
}
