package coordinator

import (
	"fmt"
	"time"
)

// DefaultSagaTimeout is used when a definition sets no timeout.
const DefaultSagaTimeout = 5 * time.Minute

// Definition is a strictly linear sequence of steps.
type Definition struct {
	Type    string
	Steps   []Step
	Timeout time.Duration // absolute deadline, measured from start
}

func (d *Definition) validate() error {
	if d == nil || d.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s == nil || s.Name() == "" {
			return fmt.Errorf("%w: %s step %d has no name", ErrInvalidDefinition, d.Type, i)
		}
		if seen[s.Name()] {
			return fmt.Errorf("%w: %s has duplicate step %q", ErrInvalidDefinition, d.Type, s.Name())
		}
		seen[s.Name()] = true
	}
	return nil
}

func (d *Definition) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultSagaTimeout
}
