// Package engagement buffers use-case view and like events in memory and
// folds them into the Postgres counters in batches. Engagement traffic is
// high-volume and loss-tolerant relative to the rest of the write path, so
// it gets its own pipeline instead of one UPDATE per request.
package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to prevent OOM.
// When this limit is reached, Record applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// Store applies a batch of engagement events to the counters.
type Store interface {
	ApplyEngagement(ctx context.Context, events []model.EngagementEvent) (int, error)
}

// Buffer accumulates engagement events in memory and flushes them to the
// database when either the buffer size or the flush interval is reached.
type Buffer struct {
	db            Store
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	events []model.EngagementEvent

	droppedEvents atomic.Int64 // total events dropped after a flush failure
	started       atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a new engagement buffer.
func NewBuffer(db Store, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	return &Buffer{
		db:            db,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("engagement: Start called twice, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record enqueues one engagement event. Returns an error when the buffer is
// at capacity (backpressure).
func (b *Buffer) Record(useCaseID uuid.UUID, kind model.EngagementKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= maxBufferCapacity {
		return fmt.Errorf("engagement: buffer at capacity (%d events), try again later", len(b.events))
	}

	b.events = append(b.events, model.EngagementEvent{
		UseCaseID:  useCaseID,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	})

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. ctx is already done, so use the drain context
			// provided by Drain, which carries its own deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	applied, err := b.db.ApplyEngagement(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("engagement: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("engagement: dropping events, buffer at capacity after flush failure",
				"dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("engagement: batch flushed",
		"batch_size", len(batch),
		"applied", applied,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop, waits for its final flush,
// and returns. The ctx parameter bounds the wait and is passed to the final
// flush so it respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("engagement: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("shiken/engagement")

	_, _ = meter.Int64ObservableGauge("shiken.engagement.buffer_depth",
		metric.WithDescription("Current number of events in the engagement buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("shiken.engagement.dropped_total",
		metric.WithDescription("Total engagement events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// DroppedEvents returns the total number of events dropped after flush
// failures. A non-zero value indicates lost engagement counts.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
