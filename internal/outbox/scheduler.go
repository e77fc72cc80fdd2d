package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// SchedulerConfig configures the periodic retry and purge tasks.
type SchedulerConfig struct {
	Interval      time.Duration // retry scan period
	BatchSize     int
	PurgeInterval time.Duration
	Retention     time.Duration // SENT messages older than this are purged
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// Scheduler re-attempts delivery of PENDING messages. It is the delivery
// guarantee behind the best-effort inline publish.
type Scheduler struct {
	store      *Store
	dispatcher *Dispatcher
	cfg        SchedulerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewScheduler(store *Store, dispatcher *Dispatcher, cfg SchedulerConfig, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		metrics:    m,
		logger:     telemetry.OrDefault(logger),
		now:        time.Now,
	}
}

// Run polls the outbox until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// RunPurge deletes old SENT messages on the purge period until ctx is cancelled.
func (s *Scheduler) RunPurge(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				s.logger.ErrorContext(ctx, "outbox purge failed", "error", err)
			}
		}
	}
}

// ProcessPending handles one bounded batch, oldest first, and returns the
// number of messages it looked at. Per-message failures never escape.
func (s *Scheduler) ProcessPending(ctx context.Context) int {
	msgs, err := s.store.FetchPending(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "outbox fetch failed", "error", err)
		return 0
	}

	if len(msgs) > 0 {
		s.logger.InfoContext(ctx, "retrying pending outbox messages", "count", len(msgs))
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		_ = s.dispatcher.Dispatch(ctx, msg)
	}

	if stats, err := s.store.Stats(ctx); err == nil {
		s.metrics.OutboxPending(stats[StatusPending])
	}
	return len(msgs)
}

// Purge deletes SENT messages older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeSent(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged sent outbox messages", "count", n, "retention", s.cfg.Retention.String())
	}
	return n, nil
}
