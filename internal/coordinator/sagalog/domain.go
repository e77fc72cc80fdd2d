// Package sagalog defines the durable record of saga executions.
//
// The log serves two purposes:
//
//  1. Audit: every saga instance and every step attempt is kept forever, with
//     the trace id of the span that executed it, so an operator can go from a
//     failed order straight to the root cause.
//
//  2. Recovery: on restart, the orchestrator reads RUNNING and COMPENSATING
//     instances back and either resumes or finishes them from currentStep.
package sagalog

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus is the state of a single step attempt.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

var (
	ErrNotFound          = errors.New("sagalog: saga not found")
	ErrInvalidTransition = errors.New("sagalog: invalid status transition")
	// ErrNotRunning rejects forward progress on a saga that has left
	// RUNNING, typically because compensation was forced elsewhere.
	ErrNotRunning = errors.New("sagalog: saga is not running")
)

// SagaInstance is one distributed transaction attempt.
type SagaInstance struct {
	SagaID   string
	SagaType string
	Status   Status

	// CurrentStep is the index of the next step to execute.
	CurrentStep int

	// Context is the JSON-serialised key/value bag shared by the steps.
	Context []byte

	StartedAt   time.Time
	CompletedAt time.Time // zero until terminal

	// TimeoutAt is StartedAt plus the definition timeout. Never extended.
	TimeoutAt time.Time
}

// Expired reports whether the instance is still RUNNING past its deadline.
func (s *SagaInstance) Expired(now time.Time) bool {
	return s.Status == StatusRunning && !s.TimeoutAt.IsZero() && now.After(s.TimeoutAt)
}

// StepExecution is one (saga, stepOrder) attempt.
type StepExecution struct {
	SagaID       string
	StepName     string
	StepOrder    int
	Status       StepStatus
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string

	// TraceID and SpanID identify the span that executed the step.
	TraceID string
	SpanID  string
}
