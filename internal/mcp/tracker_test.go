package mcp

import (
	"testing"
	"time"
)

func TestCheckTracker_RecordAndCheck(t *testing.T) {
	tracker := newCheckTracker(time.Hour)

	// Not checked yet.
	if tracker.WasChecked("user-1", "coll-1") {
		t.Fatal("expected WasChecked to return false before any Record")
	}

	// Record a check.
	tracker.Record("user-1", "coll-1")

	// Now it should return true.
	if !tracker.WasChecked("user-1", "coll-1") {
		t.Fatal("expected WasChecked to return true after Record")
	}
}

func TestCheckTracker_DifferentCollections(t *testing.T) {
	tracker := newCheckTracker(time.Hour)

	tracker.Record("user-1", "coll-1")

	// Same user, different collection must not count.
	if tracker.WasChecked("user-1", "coll-2") {
		t.Fatal("expected WasChecked to return false for unchecked collection")
	}
}

func TestCheckTracker_DifferentUsers(t *testing.T) {
	tracker := newCheckTracker(time.Hour)

	tracker.Record("user-1", "coll-1")

	// Different user, same collection must not count.
	if tracker.WasChecked("user-2", "coll-1") {
		t.Fatal("expected WasChecked to return false for different user")
	}
}

func TestCheckTracker_Expiry(t *testing.T) {
	// Use a very short window so entries expire immediately.
	tracker := newCheckTracker(time.Millisecond)

	tracker.Record("user-1", "coll-1")
	time.Sleep(5 * time.Millisecond)

	if tracker.WasChecked("user-1", "coll-1") {
		t.Fatal("expected WasChecked to return false after the window expired")
	}
}

func TestCheckTracker_PurgeStale(t *testing.T) {
	tracker := newCheckTracker(time.Millisecond)

	for i := 0; i < 1100; i++ {
		tracker.Record("user-1", string(rune(i)))
	}
	time.Sleep(5 * time.Millisecond)

	// The next Record triggers a purge of expired entries.
	tracker.Record("user-2", "fresh")

	tracker.mu.Lock()
	size := len(tracker.checks)
	tracker.mu.Unlock()
	if size > 2 {
		t.Fatalf("expected stale entries to be purged, map still has %d entries", size)
	}
}
