package mcp

import (
	"sync"
	"time"
)

// checkTracker records recent shiken_check_similarity calls so
// handleCreateScenario can detect when a caller skips the
// check-before-create workflow and nudge them.
//
// The tracker is keyed on (userID, collectionID) with a configurable time
// window. If a check was recorded within the window, WasChecked returns true.
// This is an in-memory, per-process structure — it does not survive restarts,
// which is acceptable because the nudge is advisory, not a hard gate.
type checkTracker struct {
	mu     sync.Mutex
	checks map[checkKey]time.Time
	window time.Duration // how long a check is considered "recent"
}

type checkKey struct {
	userID       string
	collectionID string
}

func newCheckTracker(window time.Duration) *checkTracker {
	return &checkTracker{
		checks: make(map[checkKey]time.Time),
		window: window,
	}
}

// Record notes that the given user checked this collection for duplicates.
func (t *checkTracker) Record(userID, collectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[checkKey{userID, collectionID}] = time.Now()

	// Lazy cleanup: if the map has grown large, purge stale entries to prevent
	// unbounded growth from many distinct (user, collection) pairs over time.
	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether the given user checked this collection within
// the configured time window.
func (t *checkTracker) WasChecked(userID, collectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.checks[checkKey{userID, collectionID}]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.checks, checkKey{userID, collectionID})
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *checkTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}
