package quota

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/storage"
)

// PostgresTracker meters quota in the run_quotas table. The (user, day)
// counter is advanced with a single increment-with-ceiling statement, so it
// is race-free across processes.
type PostgresTracker struct {
	db    *storage.DB
	limit int
	now   func() time.Time
}

// NewPostgresTracker creates a Postgres-backed tracker. limit <= 0 falls
// back to DefaultDailyLimit.
func NewPostgresTracker(db *storage.DB, limit int) *PostgresTracker {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &PostgresTracker{db: db, limit: limit, now: time.Now}
}

// CheckAndDecrement consumes one run from today's window.
func (t *PostgresTracker) CheckAndDecrement(ctx context.Context, userID uuid.UUID) (Decision, error) {
	usage, ok, err := t.db.TryConsumeQuota(ctx, userID, t.now(), t.limit)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	return Decision{Allowed: true, Remaining: t.limit - usage.Used}, nil
}

// Status reports today's consumption.
func (t *PostgresTracker) Status(ctx context.Context, userID uuid.UUID) (Status, error) {
	now := t.now()
	usage, err := t.db.GetQuotaUsage(ctx, userID, now)
	if err != nil {
		return Status{}, err
	}
	return Status{Used: usage.Used, Limit: t.limit, ResetsAt: NextReset(now)}, nil
}
