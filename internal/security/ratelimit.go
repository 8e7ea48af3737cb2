package security

import (
	"strings"
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock Clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Per-operation ceilings within one window.
var defaultCeilings = map[string]int{
	"sync":    10,
	"catch":   50,
	"evolve":  20,
	"release": 30,
}

// DefaultRateWindow is the sliding-window span.
const DefaultRateWindow = 60 * time.Second

// RateLimiter is a sliding-window counter per (operation, user). When a
// ceiling is exceeded the caller gets a retry-after duration instead of a
// bare rejection.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	ceilings map[string]int
	hits     map[string][]time.Time
	clock    Clock
}

// NewRateLimiter creates a RateLimiter. A zero window uses the default
// 60s; a nil ceilings map uses the default per-operation ceilings.
func NewRateLimiter(window time.Duration, ceilings map[string]int, clock Clock) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if ceilings == nil {
		ceilings = defaultCeilings
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &RateLimiter{
		window:   window,
		ceilings: ceilings,
		hits:     make(map[string][]time.Time),
		clock:    clock,
	}
}

// Allow records an attempt for (operation, userID) and reports whether it
// is within the ceiling. When rejected, retryAfter is how long until the
// oldest in-window hit ages out.
func (r *RateLimiter) Allow(operation, userID string) (bool, time.Duration) {
	now := r.clock.Now()
	key := operation + ":" + userID

	r.mu.Lock()
	defer r.mu.Unlock()

	ceiling, ok := r.ceilings[operation]
	if !ok {
		// Unknown operations are not limited.
		return true, 0
	}

	cutoff := now.Add(-r.window)
	hits := r.hits[key]

	// Drop hits that have aged out of the window.
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= ceiling {
		r.hits[key] = kept
		retryAfter := kept[0].Sub(cutoff)
		return false, retryAfter
	}

	r.hits[key] = append(kept, now)
	return true, 0
}

// Reset clears all recorded hits for a user. Called on logout.
func (r *RateLimiter) Reset(userID string) {
	suffix := ":" + userID
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.hits {
		if strings.HasSuffix(key, suffix) {
			delete(r.hits, key)
		}
	}
}
