package outbox

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/events"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/database"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// Recorder is what business writers use: Save inside their transaction,
// PublishNow after it commits.
type Recorder struct {
	store      *Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewRecorder(store *Store, dispatcher *Dispatcher, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, dispatcher: dispatcher, logger: telemetry.OrDefault(logger)}
}

// Save persists e as a PENDING message within tx. Broker availability plays
// no part here.
func (r *Recorder) Save(ctx context.Context, tx database.Querier, e events.Event) error {
	return r.store.SaveMessage(ctx, tx, e)
}

// PublishNow makes the single inline delivery attempt for events whose
// transaction has committed. Failures are left to the scheduler.
func (r *Recorder) PublishNow(ctx context.Context, evs ...events.Event) {
	if r.dispatcher == nil {
		return
	}
	for _, e := range evs {
		msg, err := r.store.Get(ctx, e.EventID)
		if err != nil {
			r.logger.WarnContext(ctx, "inline publish skipped", "message_id", e.EventID, "error", err)
			continue
		}
		if msg.Status != StatusPending {
			continue
		}
		if err := r.dispatcher.Dispatch(ctx, *msg); err != nil {
			r.logger.InfoContext(ctx, "inline publish deferred to scheduler", "message_id", e.EventID, "error", err)
		}
	}
}
