package alert

import (
	"context"
	"sync"
)

// Recorder keeps raised alerts in memory. Used by tests and by the CLI to
// print what a one-shot run escalated.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Raise(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns how many alerts of kind were raised.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

func (m Multi) Raise(ctx context.Context, a Alert) {
	for _, al := range m {
		if al != nil {
			al.Raise(ctx, a)
		}
	}
}
