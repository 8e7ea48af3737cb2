// Package localstore provides the extension-scoped local key-value store.
//
// The store holds named JSON blobs and is the authoritative tier while the
// user is offline or logged out. It is deliberately modeled as an opaque
// async map: callers get no transactions and no ordering guarantees across
// independent calls.
package localstore

import (
	"context"
	"encoding/json"
)

// Persisted blob keys.
const (
	KeyCollection = "pokemonCollection"
	KeyHistory    = "pokedexHistory"
)

// Namespace reported to change watchers.
const Namespace = "local"

// ChangeFunc receives the keys touched by a Set and the store namespace.
type ChangeFunc func(changedKeys []string, namespace string)

// Store is an async, durable key-value store of named JSON blobs.
type Store interface {
	// Get returns the blobs for the requested keys. Missing keys are
	// absent from the result map, not an error.
	Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error)

	// Set writes all given blobs. Watchers are notified after the write.
	Set(ctx context.Context, blobs map[string]json.RawMessage) error

	// Watch registers a change callback. Callbacks run synchronously in
	// Set order; keep them short.
	Watch(fn ChangeFunc)
}

// GetJSON reads one key and unmarshals it into dest. Returns false if the
// key is absent, leaving dest untouched.
func GetJSON(ctx context.Context, s Store, key string, dest interface{}) (bool, error) {
	blobs, err := s.Get(ctx, []string{key})
	if err != nil {
		return false, err
	}
	raw, ok := blobs[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals value and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, map[string]json.RawMessage{key: raw})
}
