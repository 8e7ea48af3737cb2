// Package auth tracks session presence and gates remote operations.
package auth

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
)

// Default readiness polling budget. Session hydration can race the first
// read after startup, so readers poll briefly before falling back to
// local-only data.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollTimeout  = 5 * time.Second
)

// ChangeFunc receives the new session (nil on sign-out).
type ChangeFunc func(session *models.Session)

// Gate is the sync-eligibility predicate. CanSync is true iff a session is
// present, the remote client is initialized, and the runtime reports
// network connectivity. Every remote code path checks this as a
// precondition; nobody calls remote endpoints optimistically, because
// unauthenticated calls either return filtered-empty results or throw
// inconsistent errors.
type Gate struct {
	mu        sync.RWMutex
	session   *models.Session
	online    bool
	store     remote.Store
	listeners []ChangeFunc

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewGate creates a Gate for the given remote store. The runtime is
// assumed online until told otherwise.
func NewGate(store remote.Store) *Gate {
	return &Gate{
		store:        store,
		online:       true,
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
	}
}

// SetPolling overrides the readiness polling budget. Zero values keep the
// defaults.
func (g *Gate) SetPolling(interval, timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if interval > 0 {
		g.pollInterval = interval
	}
	if timeout > 0 {
		g.pollTimeout = timeout
	}
}

// CanSync reports whether remote operations may proceed.
func (g *Gate) CanSync() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session != nil && g.store != nil && g.store.Ready() && g.online
}

// Session returns the current session, or nil when signed out.
func (g *Gate) Session() *models.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session
}

// UserID returns the signed-in user id, or "".
func (g *Gate) UserID() string {
	return g.Session().UserID()
}

// SetSession installs a new session (nil on sign-out), propagates it to
// the remote client, and notifies listeners.
func (g *Gate) SetSession(session *models.Session) {
	g.mu.Lock()
	g.session = session
	store := g.store
	listeners := make([]ChangeFunc, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	if store != nil {
		store.SetSession(session)
	}

	logging.Info("auth state changed", map[string]interface{}{
		"signed_in": session != nil,
	})

	for _, fn := range listeners {
		fn(session)
	}
}

// SetOnline records the runtime's connectivity report.
func (g *Gate) SetOnline(online bool) {
	g.mu.Lock()
	changed := g.online != online
	g.online = online
	g.mu.Unlock()

	if changed {
		logging.Info("connectivity changed", map[string]interface{}{
			"online": online,
		})
	}
}

// OnChange registers an auth-state listener. Listeners run synchronously
// in SetSession.
func (g *Gate) OnChange(fn ChangeFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// WaitReady polls CanSync with the configured bounded budget. Returns an
// AUTH_NOT_READY error if the budget expires; call sites degrade to
// local-only mode rather than surfacing that to the user.
func (g *Gate) WaitReady(ctx context.Context) error {
	if g.CanSync() {
		return nil
	}

	g.mu.RLock()
	interval, timeout := g.pollInterval, g.pollTimeout
	g.mu.RUnlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrAuthNotReady, "wait cancelled", ctx.Err())
		case <-ticker.C:
			if g.CanSync() {
				return nil
			}
			if time.Now().After(deadline) {
				return apperrors.New(apperrors.ErrAuthNotReady, "auth not ready within polling budget")
			}
		}
	}
}

// Reset clears the session without notifying listeners. Used by the app's
// logout path after listeners have already been told.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.session = nil
	store := g.store
	g.mu.Unlock()
	if store != nil {
		store.SetSession(nil)
	}
}
