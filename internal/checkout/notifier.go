package checkout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// LogNotifier delivers notifications to the log and keeps a copy.
type LogNotifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Notification
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: telemetry.OrDefault(logger)}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	n.logger.InfoContext(ctx, "notification sent",
		"order_id", msg.OrderID, "user_id", msg.UserID, "channel", msg.Channel)
	return nil
}

func (n *LogNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}
