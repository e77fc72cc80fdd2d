// Package coordinator runs sagas: linear sequences of steps whose effects
// are undone in reverse order when a step fails, when the saga outlives its
// deadline, or when an operator asks for it.
//
// Every transition is written to the saga log (sagalog.Repository) before
// the orchestrator moves on, so a restarted process can resume or finish
// any saga from the log alone.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/alert"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

const (
	awaitGrace    = 5 * time.Second
	awaitInterval = 50 * time.Millisecond
)

// activeRun is a saga currently executing in this process. Forced
// compensation only raises the flag; the runner finishes its current step,
// records it and then walks back.
type activeRun struct {
	abort atomic.Bool
}

// Orchestrator manages the execution of saga instances.
type Orchestrator struct {
	repo    sagalog.Repository
	pool    *Pool
	alerter alert.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu     sync.Mutex
	defs   map[string]*Definition
	active map[string]*activeRun
}

func NewOrchestrator(repo sagalog.Repository, pool *Pool, alerter alert.Alerter, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		pool:    pool,
		alerter: alerter,
		metrics: m,
		logger:  telemetry.OrDefault(logger),
		tracer:  otel.Tracer("coordinator"),
		now:     time.Now,
		defs:    make(map[string]*Definition),
		active:  make(map[string]*activeRun),
	}
}

// Register makes a definition known by type, so sagas started before a
// restart can be resumed or compensated.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.defs[def.Type] = def
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) definition(sagaType string) (*Definition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

// StartSaga persists a RUNNING instance and hands its execution to the
// worker pool. It returns once the instance is durable, without waiting
// for any step. ErrPoolFull means nothing was persisted.
func (o *Orchestrator) StartSaga(ctx context.Context, def *Definition, initial map[string]any) (string, error) {
	if err := o.Register(def); err != nil {
		return "", err
	}

	sc := NewSagaContext(initial)
	raw, err := sc.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("coordinator: encode saga context: %w", err)
	}

	now := o.now()
	saga := &sagalog.SagaInstance{
		SagaID:    uuid.NewString(),
		SagaType:  def.Type,
		Status:    sagalog.StatusRunning,
		Context:   raw,
		StartedAt: now,
		TimeoutAt: now.Add(def.timeout()),
	}

	run := o.track(saga.SagaID)
	link := trace.LinkFromContext(ctx)
	requestID := interceptors.RequestIDFromContext(ctx)

	// The slot is reserved before the row is written so that a full pool
	// leaves no orphan RUNNING row behind; the task waits for the write.
	persisted := make(chan bool, 1)
	err = o.pool.Submit(func(poolCtx context.Context) {
		if !<-persisted {
			return
		}
		if requestID != "" {
			poolCtx = interceptors.WithRequestID(poolCtx, requestID)
		}
		o.execute(poolCtx, def, saga, sc, run, link)
	})
	if err != nil {
		o.untrack(saga.SagaID)
		return "", err
	}

	if err := o.repo.CreateSaga(ctx, saga); err != nil {
		persisted <- false
		o.untrack(saga.SagaID)
		return "", fmt.Errorf("coordinator: persist saga: %w", err)
	}
	persisted <- true

	o.metrics.SagaStatus(def.Type, string(sagalog.StatusRunning))
	o.logger.InfoContext(ctx, "saga started",
		"saga_id", saga.SagaID,
		"saga_type", def.Type,
		"steps", len(def.Steps),
		"timeout_at", saga.TimeoutAt,
	)
	return saga.SagaID, nil
}

// GetSagaStatus returns ErrNotFound for unknown ids.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*sagalog.SagaInstance, error) {
	return o.repo.GetSaga(ctx, sagaID)
}

// ListSteps returns the step audit trail of a saga.
func (o *Orchestrator) ListSteps(ctx context.Context, sagaID string) ([]sagalog.StepExecution, error) {
	if _, err := o.repo.GetSaga(ctx, sagaID); err != nil {
		return nil, err
	}
	return o.repo.ListSteps(ctx, sagaID)
}

// Compensate forces a RUNNING saga into compensation. For any other status
// it logs a warning and does nothing.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) error {
	_, err := o.forceCompensation(ctx, sagaID, "manual")
	return err
}

// forceCompensation is shared by Compensate and the timeout scanner. It
// reports whether this call moved the saga to COMPENSATING.
func (o *Orchestrator) forceCompensation(ctx context.Context, sagaID, reason string) (bool, error) {
	saga, err := o.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return false, err
	}
	if saga.Status != sagalog.StatusRunning {
		o.logger.WarnContext(ctx, "compensation ignored: saga is not running",
			"saga_id", sagaID, "status", saga.Status, "reason", reason)
		return false, nil
	}

	ok, err := o.repo.UpdateStatus(ctx, sagaID, sagalog.StatusRunning, sagalog.StatusCompensating, o.now())
	if err != nil {
		return false, err
	}
	if !ok {
		o.logger.WarnContext(ctx, "compensation ignored: saga left RUNNING concurrently",
			"saga_id", sagaID, "reason", reason)
		return false, nil
	}
	o.metrics.SagaStatus(saga.SagaType, string(sagalog.StatusCompensating))
	o.logger.WarnContext(ctx, "saga compensation forced", "saga_id", sagaID, "reason", reason)

	// A local runner owns the walk and starts it after its current step.
	if o.claimAbort(sagaID) {
		return true, nil
	}
	return true, o.submitWalk(ctx, saga, true)
}

// submitWalk compensates a saga that has no active runner in this process.
// With wait set, the walk first lets a step still RUNNING elsewhere settle,
// so that its effect is on record before the log is walked back. The walk
// runs on the pool, or inline when the pool is saturated.
func (o *Orchestrator) submitWalk(ctx context.Context, saga *sagalog.SagaInstance, wait bool) error {
	def, err := o.definition(saga.SagaType)
	if err != nil {
		return err
	}
	sc, err := DecodeSagaContext(saga.Context)
	if err != nil {
		return err
	}

	walk := func(ctx context.Context) {
		ctx, span := o.tracer.Start(context.WithoutCancel(ctx), "saga.compensate "+saga.SagaType,
			trace.WithAttributes(attribute.String("saga.id", saga.SagaID)))
		defer span.End()
		if wait {
			o.awaitSteps(ctx, def, saga.SagaID)
		}
		o.compensate(ctx, def, saga.SagaID, sc)
	}

	if err := o.pool.Submit(walk); err != nil {
		if !errors.Is(err, ErrPoolFull) {
			return err
		}
		o.logger.WarnContext(ctx, "saga pool full, compensating inline", "saga_id", saga.SagaID)
		walk(ctx)
	}
	return nil
}

var errStepInFlight = errors.New("coordinator: step still running")

// awaitSteps polls the step log until no row is RUNNING, for at most the
// longest step timeout of def plus a grace period. Once the saga has left
// RUNNING no new attempt can start, so the wait is bounded.
func (o *Orchestrator) awaitSteps(ctx context.Context, def *Definition, sagaID string) {
	var longest time.Duration
	for _, st := range def.Steps {
		longest = max(longest, stepTimeout(st))
	}

	var pending sagalog.StepExecution
	backoff := retry.WithMaxDuration(longest+awaitGrace, retry.NewConstant(awaitInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		steps, err := o.repo.ListSteps(ctx, sagaID)
		if err != nil {
			return retry.RetryableError(err)
		}
		for _, st := range steps {
			if st.Status == sagalog.StepRunning {
				pending = st
				return retry.RetryableError(errStepInFlight)
			}
		}
		return nil
	})
	if err == nil {
		return
	}

	o.logger.WarnContext(ctx, "compensating with a step still running",
		"saga_id", sagaID, "step", pending.StepName, "error", err)
	if errors.Is(err, errStepInFlight) && o.alerter != nil {
		o.alerter.Raise(ctx, alert.Alert{
			Kind:    alert.KindStepLeftRunning,
			Subject: sagaID,
			Message: "saga step was still RUNNING when compensation started; its outcome is unknown",
			Attrs:   []any{"step", pending.StepName, "step_order", pending.StepOrder, "saga_type", def.Type},
		})
	}
}

func (o *Orchestrator) track(sagaID string) *activeRun {
	run := &activeRun{}
	o.mu.Lock()
	o.active[sagaID] = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) untrack(sagaID string) {
	o.mu.Lock()
	delete(o.active, sagaID)
	o.mu.Unlock()
}

// claimAbort flags the local runner of sagaID, if any. A true result hands
// the compensation walk to that runner.
func (o *Orchestrator) claimAbort(sagaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.active[sagaID]
	if run == nil {
		return false
	}
	run.abort.Store(true)
	return true
}

// release untracks run and reports whether an abort was claimed before it
// did. Both happen under o.mu, so every forced compensation is walked by
// exactly one party: the runner when release returns true, the caller of
// forceCompensation otherwise.
func (o *Orchestrator) release(sagaID string, run *activeRun) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[sagaID] == run {
		delete(o.active, sagaID)
	}
	return run.abort.Load()
}

// execute runs the steps of one saga from saga.CurrentStep. poolCtx is
// only consulted between steps: on shutdown the saga is left RUNNING for
// Recover, and steps themselves never see the cancellation.
//
// The saga row is re-read before every step. Once it has left RUNNING,
// whether by this process or another one, no further step is started.
func (o *Orchestrator) execute(poolCtx context.Context, def *Definition, saga *sagalog.SagaInstance, sc *SagaContext, run *activeRun, link trace.Link) {
	defer o.release(saga.SagaID, run)

	ctx, span := o.tracer.Start(context.WithoutCancel(poolCtx), "saga.run "+def.Type,
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("saga.id", saga.SagaID)))
	defer span.End()
	ctx = interceptors.WithSagaID(ctx, saga.SagaID)

	logger := o.logger.With("saga_id", saga.SagaID, "saga_type", def.Type)

	for i := saga.CurrentStep; i < len(def.Steps); i++ {
		if run.abort.Load() {
			o.stop(ctx, def, saga.SagaID, sc, run, logger)
			return
		}
		if poolCtx.Err() != nil {
			if o.release(saga.SagaID, run) {
				logger.InfoContext(ctx, "shutting down, compensation left for recovery", "current_step", i)
				return
			}
			logger.InfoContext(ctx, "shutting down, saga left running for recovery", "current_step", i)
			return
		}

		current, err := o.repo.GetSaga(ctx, saga.SagaID)
		if err != nil || current.Status != sagalog.StatusRunning {
			if err != nil {
				logger.ErrorContext(ctx, "could not read saga before step, saga left running for recovery",
					"current_step", i, "error", err)
			}
			o.stop(ctx, def, saga.SagaID, sc, run, logger)
			return
		}

		if err := o.executeStep(ctx, saga.SagaID, i, def.Steps[i], sc); err != nil {
			if errors.Is(err, sagalog.ErrNotRunning) {
				o.stop(ctx, def, saga.SagaID, sc, run, logger)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			logger.WarnContext(ctx, "saga step failed, compensating", "step", def.Steps[i].Name(), "error", err)

			ok, uerr := o.repo.UpdateStatus(ctx, saga.SagaID, sagalog.StatusRunning, sagalog.StatusCompensating, o.now())
			if uerr != nil || !ok {
				if uerr != nil {
					logger.ErrorContext(ctx, "could not move saga to COMPENSATING", "error", uerr)
				}
				o.stop(ctx, def, saga.SagaID, sc, run, logger)
				return
			}
			o.metrics.SagaStatus(def.Type, string(sagalog.StatusCompensating))
			o.release(saga.SagaID, run)
			o.compensate(ctx, def, saga.SagaID, sc)
			return
		}

		raw, err := sc.MarshalJSON()
		if err == nil {
			err = o.repo.SaveProgress(ctx, saga.SagaID, i+1, raw)
		}
		if err != nil {
			if !errors.Is(err, sagalog.ErrNotRunning) {
				// The completed row is durable; Recover resumes after it.
				logger.ErrorContext(ctx, "could not persist saga progress, saga left running for recovery",
					"current_step", i+1, "error", err)
			}
			o.stop(ctx, def, saga.SagaID, sc, run, logger)
			return
		}
	}

	if !run.abort.Load() {
		ok, err := o.repo.UpdateStatus(ctx, saga.SagaID, sagalog.StatusRunning, sagalog.StatusCompleted, o.now())
		if err != nil {
			logger.ErrorContext(ctx, "could not complete saga", "error", err)
		}
		if ok {
			o.release(saga.SagaID, run)
			o.metrics.SagaStatus(def.Type, string(sagalog.StatusCompleted))
			logger.InfoContext(ctx, "saga completed")
			return
		}
	}
	o.stop(ctx, def, saga.SagaID, sc, run, logger)
}

// stop ends a run that can no longer move forward. The runner compensates
// only when an abort was claimed against it; otherwise the walk belongs to
// whoever moved the saga out of RUNNING, or to Recover.
func (o *Orchestrator) stop(ctx context.Context, def *Definition, sagaID string, sc *SagaContext, run *activeRun, logger *slog.Logger) {
	if !o.release(sagaID, run) {
		logger.InfoContext(ctx, "saga run stopped")
		return
	}
	logger.WarnContext(ctx, "saga aborted, compensating")
	o.compensate(ctx, def, sagaID, sc)
}

// executeStep records a RUNNING row, runs the step and records the result.
func (o *Orchestrator) executeStep(ctx context.Context, sagaID string, order int, step Step, sc *SagaContext) error {
	ctx, span := o.tracer.Start(ctx, "saga.step "+step.Name(),
		trace.WithAttributes(attribute.Int("saga.step.order", order)))
	defer span.End()

	if err := o.repo.StartStep(ctx, sagalog.NewStepExecution(ctx, sagaID, step.Name(), order, o.now())); err != nil {
		return &StepError{Step: step.Name(), Order: order, Err: err}
	}

	ctx = interceptors.WithIdempotencyKey(ctx, fmt.Sprintf("%s:%s", sagaID, step.Name()))
	err := invoke(ctx, stepTimeout(step), func(ctx context.Context) error {
		return step.Execute(ctx, sc)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.Step(step.Name(), "failed")
		if ferr := o.repo.FinishStep(ctx, sagaID, order, sagalog.StepFailed, err.Error(), o.now()); ferr != nil {
			o.logger.ErrorContext(ctx, "could not record step failure", "saga_id", sagaID, "step", step.Name(), "error", ferr)
		}
		return &StepError{Step: step.Name(), Order: order, Err: err}
	}

	o.metrics.Step(step.Name(), "completed")
	if err := o.repo.FinishStep(ctx, sagaID, order, sagalog.StepCompleted, "", o.now()); err != nil {
		// The effect happened but is not on record, so it cannot be
		// compensated later. Treat it as a failure of the step.
		return &StepError{Step: step.Name(), Order: order, Err: err}
	}
	return nil
}

// compensate walks the persisted COMPLETED steps in descending order and
// settles the saga as COMPENSATED, or FAILED if any compensation failed.
// Every completed step is attempted even after a failure, so that as little
// as possible is left for the operator.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, sagaID string, sc *SagaContext) {
	logger := o.logger.With("saga_id", sagaID, "saga_type", def.Type)

	steps, err := o.repo.ListSteps(ctx, sagaID)
	if err != nil {
		// Still COMPENSATING: Recover retries the walk on the next boot.
		logger.ErrorContext(ctx, "could not load steps to compensate", "error", err)
		return
	}

	var failures []error
	for i := len(steps) - 1; i >= 0; i-- {
		row := steps[i]
		if row.Status != sagalog.StepCompleted {
			continue
		}
		if err := o.compensateStep(ctx, def, sagaID, row, sc); err != nil {
			logger.ErrorContext(ctx, "compensation failed", "step", row.StepName, "error", err)
			failures = append(failures, err)
		}
	}

	final := sagalog.StatusCompensated
	if len(failures) > 0 {
		final = sagalog.StatusFailed
	}
	ok, err := o.repo.UpdateStatus(ctx, sagaID, sagalog.StatusCompensating, final, o.now())
	if err != nil || !ok {
		logger.ErrorContext(ctx, "could not settle compensated saga", "status", final, "error", err)
		return
	}
	o.metrics.SagaStatus(def.Type, string(final))

	if final == sagalog.StatusCompensated {
		logger.InfoContext(ctx, "saga compensated")
		return
	}
	if o.alerter != nil {
		o.alerter.Raise(ctx, alert.Alert{
			Kind:    alert.KindSagaFailed,
			Subject: sagaID,
			Message: "saga compensation failed; manual intervention required",
			Attrs:   []any{"saga_type", def.Type, "error", errors.Join(failures...).Error()},
		})
	}
}

func (o *Orchestrator) compensateStep(ctx context.Context, def *Definition, sagaID string, row sagalog.StepExecution, sc *SagaContext) error {
	if row.StepOrder >= len(def.Steps) || def.Steps[row.StepOrder].Name() != row.StepName {
		return &CompensationError{Step: row.StepName, Order: row.StepOrder,
			Err: fmt.Errorf("definition %s has no step %q at %d", def.Type, row.StepName, row.StepOrder)}
	}
	step := def.Steps[row.StepOrder]

	ctx, span := o.tracer.Start(ctx, "saga.compensate_step "+step.Name(),
		trace.WithAttributes(attribute.Int("saga.step.order", row.StepOrder)))
	defer span.End()
	ctx = interceptors.WithSagaID(ctx, sagaID)
	ctx = interceptors.WithIdempotencyKey(ctx, fmt.Sprintf("%s:%s:compensate", sagaID, step.Name()))

	err := invoke(ctx, stepTimeout(step), func(ctx context.Context) error {
		return step.Compensate(ctx, sc)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.Step(step.Name(), "compensation_failed")
		return &CompensationError{Step: step.Name(), Order: row.StepOrder, Err: err}
	}

	o.metrics.Step(step.Name(), "compensated")
	if err := o.repo.FinishStep(ctx, sagaID, row.StepOrder, sagalog.StepCompensated, "", o.now()); err != nil {
		return &CompensationError{Step: step.Name(), Order: row.StepOrder, Err: err}
	}
	return nil
}

// invoke calls fn with the advisory step deadline and converts a panic into
// an error so that a misbehaving step cannot take down a worker.
func invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
