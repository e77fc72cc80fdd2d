package coordinator

import (
	"errors"
	"fmt"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
)

var (
	// ErrNotFound is returned for unknown saga ids.
	ErrNotFound = sagalog.ErrNotFound

	// ErrPoolFull is returned by StartSaga when every worker is busy and
	// the queue is saturated. Nothing has been persisted.
	ErrPoolFull = errors.New("coordinator: saga worker pool is full")

	ErrUnknownSagaType   = errors.New("coordinator: unknown saga type")
	ErrInvalidDefinition = errors.New("coordinator: invalid saga definition")
)

// StepError reports a step whose Execute failed. It is always recovered by
// compensating the steps completed before it.
type StepError struct {
	Step  string
	Order int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Order, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError reports a compensation that failed. It is never retried
// automatically: the saga ends FAILED and an alert is raised.
type CompensationError struct {
	Step  string
	Order int
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %d (%s) failed: %v", e.Order, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }
