package sagalog

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

const (
	triggerComplete    = "complete"
	triggerCompensate  = "compensate"
	triggerCompensated = "compensated"
	triggerFail        = "fail"
	triggerStart       = "start"
)

var sagaTriggers = map[Status]string{
	StatusCompleted:    triggerComplete,
	StatusCompensating: triggerCompensate,
	StatusCompensated:  triggerCompensated,
	StatusFailed:       triggerFail,
}

var stepTriggers = map[StepStatus]string{
	StepRunning:     triggerStart,
	StepCompleted:   triggerComplete,
	StepFailed:      triggerFail,
	StepCompensated: triggerCompensated,
}

func sagaMachine(from Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating)
	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerFail, StatusFailed)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusCompensated)
	sm.Configure(StatusFailed)
	return sm
}

func stepMachine(from StepStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StepPending).
		Permit(triggerStart, StepRunning)
	// A step left RUNNING by a crash may be started again on resume.
	sm.Configure(StepRunning).
		PermitReentry(triggerStart).
		Permit(triggerComplete, StepCompleted).
		Permit(triggerFail, StepFailed)
	sm.Configure(StepCompleted).
		Permit(triggerCompensated, StepCompensated)
	sm.Configure(StepFailed)
	sm.Configure(StepCompensated)
	return sm
}

// CheckTransition returns ErrInvalidTransition unless from -> to is one of
// RUNNING -> COMPLETED, RUNNING -> COMPENSATING, COMPENSATING -> COMPENSATED
// or COMPENSATING -> FAILED.
func CheckTransition(from, to Status) error {
	trigger, ok := sagaTriggers[to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := sagaMachine(from).FireCtx(context.Background(), trigger); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckStepTransition is CheckTransition for step attempts.
func CheckStepTransition(from, to StepStatus) error {
	trigger, ok := stepTriggers[to]
	if !ok {
		return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := stepMachine(from).FireCtx(context.Background(), trigger); err != nil {
		return fmt.Errorf("%w: step %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
