package sagalog

import (
	"context"
	"time"
)

// Repository is the port for persisting saga instances and their step
// attempts. Status changes are compare-and-set: they only apply when the
// stored status still equals from, which is how the orchestrator and the
// timeout scanner avoid racing on the same row.
type Repository interface {
	CreateSaga(ctx context.Context, saga *SagaInstance) error
	GetSaga(ctx context.Context, sagaID string) (*SagaInstance, error)

	// SaveProgress persists the next step index and the context of a
	// RUNNING saga. Any other status yields ErrNotRunning.
	SaveProgress(ctx context.Context, sagaID string, currentStep int, sagaContext []byte) error

	// UpdateStatus moves the saga from -> to. It returns false, with no
	// error, when the saga was no longer in from.
	UpdateStatus(ctx context.Context, sagaID string, from, to Status, at time.Time) (bool, error)

	// FindTimedOut returns RUNNING sagas whose timeoutAt is before now.
	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error)
	FindByStatus(ctx context.Context, status Status, limit int) ([]SagaInstance, error)

	// StartStep records a RUNNING attempt, replacing a row left RUNNING by
	// a previous process for the same stepOrder. It returns ErrNotRunning
	// unless the saga itself is RUNNING.
	StartStep(ctx context.Context, step *StepExecution) error
	FinishStep(ctx context.Context, sagaID string, stepOrder int, status StepStatus, errMsg string, at time.Time) error
	ListSteps(ctx context.Context, sagaID string) ([]StepExecution, error)
}
