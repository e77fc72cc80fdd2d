package coordinator

import (
	"context"
	"time"
)

// DefaultStepTimeout applies when a step reports no timeout of its own.
const DefaultStepTimeout = 30 * time.Second

// Step is a single unit of work in a saga. Each step must have a
// compensating action that undoes its effects.
//
// Steps are shared by every instance of a definition: anything produced by
// one step and needed by a later one (or by a compensation) goes through
// the SagaContext, never through fields on the step.
//
// Timeout is advisory. The orchestrator passes it as the deadline of the
// context given to Execute and Compensate but never abandons a step that
// ignores it.
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *SagaContext) error
	Compensate(ctx context.Context, sc *SagaContext) error
	Timeout() time.Duration
}

// FuncStep adapts plain functions to Step. A nil CompensateFn is a no-op
// compensation.
type FuncStep struct {
	StepName     string
	ExecuteFn    func(ctx context.Context, sc *SagaContext) error
	CompensateFn func(ctx context.Context, sc *SagaContext) error
	StepTimeout  time.Duration
}

func (s *FuncStep) Name() string { return s.StepName }

func (s *FuncStep) Execute(ctx context.Context, sc *SagaContext) error {
	return s.ExecuteFn(ctx, sc)
}

func (s *FuncStep) Compensate(ctx context.Context, sc *SagaContext) error {
	if s.CompensateFn == nil {
		return nil
	}
	return s.CompensateFn(ctx, sc)
}

func (s *FuncStep) Timeout() time.Duration { return s.StepTimeout }

func stepTimeout(s Step) time.Duration {
	if d := s.Timeout(); d > 0 {
		return d
	}
	return DefaultStepTimeout
}
