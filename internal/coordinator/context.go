package coordinator

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// SagaContext is the key/value bag one saga instance carries from step to
// step (order id, total, payment id). It is persisted as JSON after every
// completed step, so values must be JSON-encodable; numbers read back after
// a restart are float64, which the typed getters account for.
type SagaContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSagaContext copies initial into a fresh context.
func NewSagaContext(initial map[string]any) *SagaContext {
	values := make(map[string]any, len(initial))
	maps.Copy(values, initial)
	return &SagaContext{values: values}
}

// DecodeSagaContext restores a context persisted with MarshalJSON.
func DecodeSagaContext(raw []byte) (*SagaContext, error) {
	sc := NewSagaContext(nil)
	if len(raw) == 0 {
		return sc, nil
	}
	if err := json.Unmarshal(raw, &sc.values); err != nil {
		return nil, fmt.Errorf("coordinator: decode saga context: %w", err)
	}
	if sc.values == nil {
		sc.values = map[string]any{}
	}
	return sc, nil
}

func (c *SagaContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *SagaContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// String returns the value as a string, or "" when absent or not a string.
func (c *SagaContext) String(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Float returns numeric values as float64.
func (c *SagaContext) Float(key string) float64 {
	v, _ := c.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func (c *SagaContext) Int(key string) int {
	return int(c.Float(key))
}

// Decode converts the value stored under key into dst through JSON, which
// is how structured values (e.g. a list of items) survive a restart.
func (c *SagaContext) Decode(key string, dst any) error {
	v, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("coordinator: saga context has no %q", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("coordinator: saga context %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("coordinator: saga context %q: %w", key, err)
	}
	return nil
}

// Values returns a copy of the bag.
func (c *SagaContext) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

func (c *SagaContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.values)
}
