package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTracker is an in-process Tracker for embedded/dev mode and tests.
// A single mutex covers the check and the increment, giving the same
// admit-at-most-limit guarantee as the SQL ceiling statement.
type MemoryTracker struct {
	limit int
	now   func() time.Time

	mu   sync.Mutex
	used map[quotaKey]int
}

type quotaKey struct {
	userID uuid.UUID
	day    string // YYYY-MM-DD, UTC
}

// NewMemoryTracker creates an in-memory tracker. limit <= 0 falls back to
// DefaultDailyLimit.
func NewMemoryTracker(limit int) *MemoryTracker {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &MemoryTracker{
		limit: limit,
		now:   time.Now,
		used:  make(map[quotaKey]int),
	}
}

func (t *MemoryTracker) key(userID uuid.UUID) quotaKey {
	return quotaKey{userID: userID, day: t.now().UTC().Format("2006-01-02")}
}

// CheckAndDecrement consumes one run from today's window.
func (t *MemoryTracker) CheckAndDecrement(_ context.Context, userID uuid.UUID) (Decision, error) {
	k := t.key(userID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.used[k] >= t.limit {
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	t.used[k]++
	return Decision{Allowed: true, Remaining: t.limit - t.used[k]}, nil
}

// Status reports today's consumption.
func (t *MemoryTracker) Status(_ context.Context, userID uuid.UUID) (Status, error) {
	k := t.key(userID)

	t.mu.Lock()
	used := t.used[k]
	t.mu.Unlock()

	return Status{Used: used, Limit: t.limit, ResetsAt: NextReset(t.now())}, nil
}
