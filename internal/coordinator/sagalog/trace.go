package sagalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	TraceID string // 32 hex chars, empty without an active span
	SpanID  string // 16 hex chars
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx.
// Both fields are empty when ctx carries no valid span (e.g. unit tests).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewStepExecution builds a RUNNING step row stamped with the trace of ctx.
func NewStepExecution(ctx context.Context, sagaID, stepName string, stepOrder int, startedAt time.Time) *StepExecution {
	ti := ExtractTraceInfo(ctx)
	return &StepExecution{
		SagaID:    sagaID,
		StepName:  stepName,
		StepOrder: stepOrder,
		Status:    StepRunning,
		StartedAt: startedAt,
		TraceID:   ti.TraceID,
		SpanID:    ti.SpanID,
	}
}
