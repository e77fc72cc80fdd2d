package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// TimeoutScanner forces compensation of RUNNING sagas past their deadline.
// It uses the same path as a manual Compensate; there is no timeout-specific
// state.
type TimeoutScanner struct {
	orch     *Orchestrator
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewTimeoutScanner(orch *Orchestrator, interval time.Duration, batch int, logger *slog.Logger) *TimeoutScanner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &TimeoutScanner{orch: orch, interval: interval, batch: batch, logger: telemetry.OrDefault(logger)}
}

// Run scans on every tick until ctx is cancelled.
func (s *TimeoutScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan handles one batch of expired sagas and returns how many it moved to
// COMPENSATING. Errors are logged per saga and never stop the batch.
func (s *TimeoutScanner) Scan(ctx context.Context) int {
	expired, err := s.orch.repo.FindTimedOut(ctx, s.orch.now(), s.batch)
	if err != nil {
		s.logger.ErrorContext(ctx, "timeout scan failed", "error", err)
		return 0
	}

	forced := 0
	for _, saga := range expired {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.orch.forceCompensation(ctx, saga.SagaID, "timeout")
		if err != nil {
			s.logger.ErrorContext(ctx, "could not compensate timed out saga", "saga_id", saga.SagaID, "error", err)
			continue
		}
		if ok {
			forced++
			s.logger.WarnContext(ctx, "saga timed out", "saga_id", saga.SagaID, "timeout_at", saga.TimeoutAt)
		}
	}
	return forced
}
