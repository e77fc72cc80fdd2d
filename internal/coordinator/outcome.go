package coordinator

import "github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"

// Outcome is what callers are told about a saga. Step errors are never
// exposed; operators read them from the step rows.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeCompleted  Outcome = "completed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFailed     Outcome = "failed"
)

func OutcomeOf(status sagalog.Status) Outcome {
	switch status {
	case sagalog.StatusCompleted:
		return OutcomeCompleted
	case sagalog.StatusCompensated:
		return OutcomeRolledBack
	case sagalog.StatusFailed:
		return OutcomeFailed
	default:
		return OutcomeInProgress
	}
}

// Message is the caller-facing description of an outcome.
func (o Outcome) Message() string {
	switch o {
	case OutcomeCompleted:
		return "operation completed"
	case OutcomeRolledBack, OutcomeFailed:
		return "operation could not be completed, already rolled back"
	default:
		return "operation in progress"
	}
}
