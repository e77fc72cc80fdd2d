package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/app"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
)

var errSagaPending = errors.New("saga still in progress")

type sagaOutput struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      sagalog.Status  `json:"status"`
	Outcome     string          `json:"outcome"`
	Message     string          `json:"message"`
	CurrentStep int             `json:"current_step"`
	Context     json.RawMessage `json:"context,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	TimeoutAt   time.Time       `json:"timeout_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Steps       []stepOutput    `json:"steps,omitempty"`
}

type stepOutput struct {
	Name   string             `json:"name"`
	Order  int                `json:"order"`
	Status sagalog.StepStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

func newSagaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect and compensate sagas",
	}
	cmd.AddCommand(newSagaStatusCmd())
	cmd.AddCommand(newSagaCompensateCmd())
	return cmd
}

func newSagaStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <saga-id>",
		Short: "Print a saga and its step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := describeSaga(ctx, a.Orchestrator, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newSagaCompensateCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "compensate <saga-id>",
		Short: "Force a running saga into compensation and wait for the walk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				poolCtx, stop := context.WithCancel(ctx)
				poolDone := make(chan struct{})
				go func() {
					defer close(poolDone)
					a.Pool.Run(poolCtx)
				}()
				defer func() {
					stop()
					<-poolDone
				}()

				sagaID := args[0]
				if err := a.Orchestrator.Compensate(ctx, sagaID); err != nil {
					return err
				}

				backoff := retry.WithMaxDuration(wait, retry.NewConstant(200*time.Millisecond))
				err := retry.Do(ctx, backoff, func(ctx context.Context) error {
					saga, err := a.Orchestrator.GetSagaStatus(ctx, sagaID)
					if err != nil {
						return err
					}
					if !saga.Status.Terminal() {
						return retry.RetryableError(errSagaPending)
					}
					return nil
				})
				if err != nil && !errors.Is(err, errSagaPending) {
					return err
				}

				out, derr := describeSaga(ctx, a.Orchestrator, sagaID)
				if derr != nil {
					return derr
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if !out.Status.Terminal() {
					return fmt.Errorf("saga %s still %s after %s", sagaID, out.Status, wait)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for the compensation walk")

	return cmd
}

func describeSaga(ctx context.Context, orch *coordinator.Orchestrator, sagaID string) (*sagaOutput, error) {
	saga, err := orch.GetSagaStatus(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps, err := orch.ListSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	outcome := coordinator.OutcomeOf(saga.Status)
	out := &sagaOutput{
		ID:          saga.SagaID,
		Type:        saga.SagaType,
		Status:      saga.Status,
		Outcome:     string(outcome),
		Message:     outcome.Message(),
		CurrentStep: saga.CurrentStep,
		StartedAt:   saga.StartedAt,
		TimeoutAt:   saga.TimeoutAt,
	}
	if len(saga.Context) > 0 {
		out.Context = json.RawMessage(saga.Context)
	}
	if !saga.CompletedAt.IsZero() {
		completed := saga.CompletedAt
		out.CompletedAt = &completed
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, stepOutput{
			Name:   s.StepName,
			Order:  s.StepOrder,
			Status: s.Status,
			Error:  s.ErrorMessage,
		})
	}
	return out, nil
}
