package engagement

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]model.EngagementEvent
	err     error
}

func (f *fakeStore) ApplyEngagement(_ context.Context, events []model.EngagementEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, events)
	return len(events), nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBufferFlushOnSize(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	id := uuid.New()
	for i := 0; i < 3; i++ {
		if err := buf.Record(id, model.EngagementView); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.total(); got != 3 {
		t.Fatalf("expected 3 flushed events, got %d", got)
	}
}

func TestBufferDrainFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	buf := NewBuffer(store, testLogger(), 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	buf.Start(ctx)

	if err := buf.Record(uuid.New(), model.EngagementLike); err != nil {
		t.Fatalf("Record: %v", err)
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)

	if got := store.total(); got != 1 {
		t.Fatalf("expected 1 flushed event after drain, got %d", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", buf.Len())
	}
}

func TestBufferRetainsBatchOnFlushFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	buf := NewBuffer(store, testLogger(), 100, time.Hour)

	if err := buf.Record(uuid.New(), model.EngagementView); err != nil {
		t.Fatalf("Record: %v", err)
	}
	buf.flush(context.Background())

	// The failed batch goes back into the buffer for the next attempt.
	if buf.Len() != 1 {
		t.Fatalf("expected event retained after failed flush, got %d buffered", buf.Len())
	}
	if buf.DroppedEvents() != 0 {
		t.Fatalf("expected no drops, got %d", buf.DroppedEvents())
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	buf.flush(context.Background())

	if got := store.total(); got != 1 {
		t.Fatalf("expected retry to flush 1 event, got %d", got)
	}
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeStore{}, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx) // must not spawn a second loop or panic on double close

	if !buf.started.Load() {
		t.Fatal("expected started to be true after Start()")
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}
