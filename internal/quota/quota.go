// Package quota enforces the per-user daily scenario-run cap.
//
// The check-and-decrement is the one hard mutual-exclusion requirement in
// the system: concurrent calls for the same user must never admit more than
// the daily limit. The Postgres implementation performs the ceiling check
// and the increment in a single statement; the in-memory implementation
// (embedded/dev mode and tests) holds a mutex across both.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultDailyLimit is the platform-wide daily run cap per user.
const DefaultDailyLimit = 5

// ErrExceeded signals the daily run limit has been reached.
var ErrExceeded = errors.New("quota: daily run limit exceeded")

// Decision is the result of one check-and-decrement.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Status is the current consumption window for a user.
type Status struct {
	Used     int
	Limit    int
	ResetsAt time.Time
}

// Tracker meters daily scenario-run consumption per user.
// Implementations must be safe for concurrent use.
type Tracker interface {
	// CheckAndDecrement atomically consumes one run from the user's daily
	// quota. On exhaustion it returns Allowed=false, Remaining=0 and a nil
	// error; exhaustion is a decision, not a failure.
	CheckAndDecrement(ctx context.Context, userID uuid.UUID) (Decision, error)

	// Status reports used/limit and the next reset boundary (the UTC
	// midnight strictly after now).
	Status(ctx context.Context, userID uuid.UUID) (Status, error)
}

// NextReset returns the UTC-midnight boundary strictly after now.
func NextReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
