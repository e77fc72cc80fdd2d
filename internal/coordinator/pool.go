package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/metrics"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// Task is one unit of work for the pool. ctx is the pool lifecycle
// context: it is cancelled on shutdown.
type Task func(ctx context.Context)

// Pool bounds the number of saga runs and compensation walks executing at
// once. Submitted tasks wait in a fixed-size queue; Submit never blocks.
type Pool struct {
	workers int
	queue   chan Task
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewPool returns a pool of workers goroutines reading a queue of
// queueSize tasks. Workers start with Run.
func NewPool(workers, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		metrics: m,
		logger:  telemetry.OrDefault(logger),
	}
}

// Submit enqueues t, or returns ErrPoolFull when the queue is saturated.
func (p *Pool) Submit(t Task) error {
	select {
	case p.queue <- t:
		p.metrics.QueueDepth(len(p.queue))
		return nil
	default:
		return ErrPoolFull
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Run starts the workers and blocks until ctx is cancelled and every task
// already picked up has returned. Tasks still queued at that point are
// dropped; sagas they belong to stay RUNNING or COMPENSATING in the log
// and are picked up again by Orchestrator.Recover on the next boot.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		// Prefer shutdown over picking up more work.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.metrics.QueueDepth(len(p.queue))
			p.run(ctx, id, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, worker int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "saga task panicked",
				"worker", worker,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	t(ctx)
}
