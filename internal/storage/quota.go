package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// QuotaUsage is the consumption record for one (user, day) window.
type QuotaUsage struct {
	UserID uuid.UUID
	Day    time.Time
	Used   int
}

// TryConsumeQuota atomically consumes one unit of a user's daily run quota.
// A single INSERT .. ON CONFLICT .. UPDATE with a ceiling guard performs the
// check-and-decrement in one statement, so concurrent callers can never push
// `used` past `limit`. Returns the post-consumption usage and whether the
// unit was granted.
func (db *DB) TryConsumeQuota(ctx context.Context, userID uuid.UUID, day time.Time, limit int) (QuotaUsage, bool, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	var used int
	err := db.pool.QueryRow(ctx,
		`INSERT INTO run_quotas (user_id, day, used)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, day) DO UPDATE
		   SET used = run_quotas.used + 1
		   WHERE run_quotas.used < $3
		 RETURNING used`,
		userID, day, limit,
	).Scan(&used)
	if err == nil {
		return QuotaUsage{UserID: userID, Day: day, Used: used}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return QuotaUsage{}, false, fmt.Errorf("storage: consume quota: %w", err)
	}

	// No row returned: the ceiling guard rejected the update. Read the
	// current usage for the caller's error payload.
	u, gerr := db.GetQuotaUsage(ctx, userID, day)
	if gerr != nil {
		return QuotaUsage{}, false, gerr
	}
	return u, false, nil
}

// GetQuotaUsage returns the usage counter for a (user, day) window. A missing
// row reads as zero usage.
func (db *DB) GetQuotaUsage(ctx context.Context, userID uuid.UUID, day time.Time) (QuotaUsage, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	u := QuotaUsage{UserID: userID, Day: day}
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT used FROM run_quotas WHERE user_id = $1 AND day = $2), 0)`,
		userID, day,
	).Scan(&u.Used)
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("storage: get quota usage: %w", err)
	}
	return u, nil
}
