package localstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-memory Store. Used by tests and by popup-lifetime state
// that does not need to survive a restart.
type Memory struct {
	mu       sync.RWMutex
	blobs    map[string]json.RawMessage
	watchers []ChangeFunc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string]json.RawMessage),
	}
}

// Get returns the blobs for the requested keys.
func (m *Memory) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if raw, ok := m.blobs[key]; ok {
			// Copy so callers cannot mutate stored bytes.
			cp := make(json.RawMessage, len(raw))
			copy(cp, raw)
			result[key] = cp
		}
	}
	return result, nil
}

// Set writes all given blobs and notifies watchers.
func (m *Memory) Set(ctx context.Context, blobs map[string]json.RawMessage) error {
	changed := make([]string, 0, len(blobs))

	m.mu.Lock()
	for key, raw := range blobs {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		m.blobs[key] = cp
		changed = append(changed, key)
	}
	watchers := make([]ChangeFunc, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(changed, Namespace)
	}
	return nil
}

// Watch registers a change callback.
func (m *Memory) Watch(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}
