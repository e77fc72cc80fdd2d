package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
)

const recoverBatch = 1000

// RecoveryReport summarizes what Recover did on boot.
type RecoveryReport struct {
	Resumed     int
	Compensated int
	// LeftRunning counts sagas with a step left RUNNING by a crash. They
	// are alerted on and not touched.
	LeftRunning int
	Skipped     int
}

// Recover resumes the sagas this process was driving when it stopped. It
// must run after every definition is registered and before new sagas are
// started.
//
//   - RUNNING sagas resume from the step after their last COMPLETED row.
//   - RUNNING sagas with a FAILED step row (crash between recording the
//     failure and switching status) are compensated.
//   - RUNNING sagas with a step row still RUNNING are not resumed: whether
//     that step's effect happened is unknown. An alert is raised and the
//     saga is left to an operator or to the timeout scanner.
//   - COMPENSATING sagas have their walk redone. Rows already COMPENSATED
//     are skipped.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	compensating, err := o.repo.FindByStatus(ctx, sagalog.StatusCompensating, recoverBatch)
	if err != nil {
		return report, fmt.Errorf("coordinator: recover: %w", err)
	}
	for i := range compensating {
		saga := &compensating[i]
		if err := o.submitWalk(ctx, saga, false); err != nil {
			o.logger.ErrorContext(ctx, "could not recover compensating saga", "saga_id", saga.SagaID, "error", err)
			report.Skipped++
			continue
		}
		report.Compensated++
	}

	running, err := o.repo.FindByStatus(ctx, sagalog.StatusRunning, recoverBatch)
	if err != nil {
		return report, fmt.Errorf("coordinator: recover: %w", err)
	}
	for i := range running {
		saga := &running[i]
		if err := o.recoverRunning(ctx, saga, &report); err != nil {
			o.logger.ErrorContext(ctx, "could not recover running saga", "saga_id", saga.SagaID, "error", err)
			report.Skipped++
		}
	}

	o.logger.InfoContext(ctx, "saga recovery finished",
		"resumed", report.Resumed,
		"compensated", report.Compensated,
		"left_running", report.LeftRunning,
		"skipped", report.Skipped,
	)
	return report, nil
}

func (o *Orchestrator) recoverRunning(ctx context.Context, saga *sagalog.SagaInstance, report *RecoveryReport) error {
	def, err := o.definition(saga.SagaType)
	if err != nil {
		return err
	}
	steps, err := o.repo.ListSteps(ctx, saga.SagaID)
	if err != nil {
		return err
	}

	next := saga.CurrentStep
	for _, st := range steps {
		switch st.Status {
		case sagalog.StepRunning:
			report.LeftRunning++
			if o.alerter != nil {
				o.alerter.Raise(ctx, alert.Alert{
					Kind:    alert.KindStepLeftRunning,
					Subject: saga.SagaID,
					Message: "saga step was left RUNNING by a stopped process; its outcome is unknown",
					Attrs:   []any{"step", st.StepName, "step_order", st.StepOrder, "saga_type", saga.SagaType},
				})
			}
			return nil
		case sagalog.StepFailed:
			forced, err := o.forceCompensation(ctx, saga.SagaID, "recovered failed step")
			if forced {
				report.Compensated++
			}
			return err
		case sagalog.StepCompleted:
			if st.StepOrder >= next {
				next = st.StepOrder + 1
			}
		}
	}

	sc, err := DecodeSagaContext(saga.Context)
	if err != nil {
		return err
	}
	saga.CurrentStep = next

	run := o.track(saga.SagaID)
	err = o.pool.Submit(func(poolCtx context.Context) {
		o.execute(poolCtx, def, saga, sc, run, trace.Link{})
	})
	if err != nil {
		o.untrack(saga.SagaID)
		if errors.Is(err, ErrPoolFull) {
			return fmt.Errorf("resume deferred: %w", err)
		}
		return err
	}
	report.Resumed++
	o.logger.InfoContext(ctx, "saga resumed", "saga_id", saga.SagaID, "current_step", next)
	return nil
}
