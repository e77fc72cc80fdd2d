// Package alert raises operator-visible alerts for the terminal states of the
// fulfillment core: a saga whose compensation failed, an outbox message that
// exhausted its retries, and a saga step left RUNNING by a crashed process.
package alert

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

type Kind string

const (
	KindSagaFailed        Kind = "saga_compensation_failed"
	KindOutboxFailed      Kind = "outbox_retries_exhausted"
	KindStepLeftRunning   Kind = "saga_step_left_running"
	KindProjectionFailure Kind = "readmodel_projection_failed"
)

// Alert is one operator notification.
type Alert struct {
	Kind    Kind
	Subject string // saga id, message id or event id
	Message string
	Attrs   []any
}

// Alerter delivers alerts. Implementations must not block for long and must
// never panic: alerts are raised from scheduler loops.
type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// LogAlerter writes alerts as ERROR records tagged alert=true and counts them.
type LogAlerter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewLogAlerter(logger *slog.Logger, m *metrics.Metrics) *LogAlerter {
	return &LogAlerter{logger: telemetry.OrDefault(logger), metrics: m}
}

func (l *LogAlerter) Raise(ctx context.Context, a Alert) {
	attrs := append([]any{
		"alert", true,
		"kind", string(a.Kind),
		"subject", a.Subject,
	}, a.Attrs...)
	l.logger.ErrorContext(ctx, "ALERT: "+a.Message, attrs...)
	l.metrics.Alert(string(a.Kind))
}
