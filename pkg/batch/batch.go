// Package batch implements the Batcher (C5): a generic, typed, size+time
// triggered scheduler with one queue per kind, priority ordering within a
// batch, back-pressure, and per-batch failure isolation. See spec §4.5.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// Item is a single enqueued unit of work.
type Item[T any] struct {
	Value      T
	Priority   int
	EnqueuedAt time.Time
}

// Processor drains a batch for one kind. A Processor that returns an error
// fails the whole batch: every item in it is reported via the Batcher's
// FailureRecorder and the batch is not retried (spec §4.5, "Failure isolation").
type Processor[T any] interface {
	Process(ctx context.Context, items []Item[T]) error
}

// ProcessorFunc adapts a function to a [Processor].
type ProcessorFunc[T any] func(ctx context.Context, items []Item[T]) error

// Process implements Processor.
func (f ProcessorFunc[T]) Process(ctx context.Context, items []Item[T]) error {
	return f(ctx, items)
}

// Config configures a per-kind queue.
type Config struct {
	// MaxBatchSize triggers an eager flush once a pending queue reaches this length.
	MaxBatchSize int
	// MaxBatchAge triggers a flush once the oldest pending item reaches this age.
	MaxBatchAge time.Duration
	// MaxPending is the soft back-pressure cap (spec §4.5): Enqueue beyond
	// this flushes eagerly before accepting the new item.
	MaxPending int
	// EnqueueTimeout bounds how long Enqueue blocks waiting for room before
	// failing with ErrBackpressure.
	EnqueueTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 500 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10_000
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	return c
}

// FailureRecorder observes batch flush outcomes, for metrics/logging.
type FailureRecorder interface {
	RecordBatchFlush(ctx context.Context, kind string, outcome string, size int)
}

type noopRecorder struct{}

func (noopRecorder) RecordBatchFlush(context.Context, string, string, int) {}

// kindQueue holds the pending items and dispatch timer for a single kind.
// flushSem is a 1-buffered token channel that serializes Process calls for
// this kind (spec §4.5/§6: "a single dispatch worker per kind drains")
// while still letting a context-bound waiter give up without blocking
// forever, which a sync.Mutex cannot do.
type kindQueue[T any] struct {
	mu        sync.Mutex
	pending   []Item[T]
	timer     *time.Timer
	processor Processor[T]
	flushSem  chan struct{}
}

// Batcher schedules work across any number of kinds, each with its own
// [Processor] and independent size/time triggers (spec §4.5). The zero value
// is not usable; construct with [New].
type Batcher[T any] struct {
	cfg      Config
	recorder FailureRecorder

	mu     sync.Mutex
	queues map[string]*kindQueue[T]

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a [Batcher]. Recorder may be nil, in which case flush outcomes
// are dropped silently.
func New[T any](cfg Config, recorder FailureRecorder) *Batcher[T] {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Batcher[T]{
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		queues:   make(map[string]*kindQueue[T]),
		closed:   make(chan struct{}),
	}
}

// RegisterKind associates a kind with the [Processor] that drains its
// batches. Must be called before the first Enqueue for that kind.
func (b *Batcher[T]) RegisterKind(kind string, p Processor[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem := make(chan struct{}, 1)
	sem <- struct{}{}
	b.queues[kind] = &kindQueue[T]{processor: p, flushSem: sem}
}

func (b *Batcher[T]) queueFor(kind string) (*kindQueue[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[kind]
	if !ok {
		return nil, fmt.Errorf("batch: kind %q not registered", kind)
	}
	return q, nil
}

// Enqueue adds value to kind's pending batch with the given priority. If the
// kind's pending queue is at or above MaxPending, Enqueue first flushes the
// kind synchronously; if flushing does not free room within EnqueueTimeout,
// it fails with [memerr.ErrBackpressure].
func (b *Batcher[T]) Enqueue(ctx context.Context, kind string, value T, priority int) error {
	q, err := b.queueFor(kind)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if len(q.pending) >= b.cfg.MaxPending {
		q.mu.Unlock()
		// Eagerly flush before accepting more (spec §4.5, "Back-pressure").
		// The flush gets a bounded window to drain; a Processor that
		// respects ctx cancellation unblocks at EnqueueTimeout.
		flushCtx, cancel := context.WithTimeout(ctx, b.cfg.EnqueueTimeout)
		_ = b.flushKind(flushCtx, kind, q)
		cancel()

		q.mu.Lock()
		if len(q.pending) >= b.cfg.MaxPending {
			q.mu.Unlock()
			return fmt.Errorf("batch: kind %q at capacity: %w", kind, memerr.ErrBackpressure)
		}
	}

	q.pending = append(q.pending, Item[T]{Value: value, Priority: priority, EnqueuedAt: time.Now()})
	trigger := len(q.pending) >= b.cfg.MaxBatchSize
	if len(q.pending) == 1 {
		b.armTimer(kind, q)
	}
	q.mu.Unlock()

	if trigger {
		return b.flushKind(ctx, kind, q)
	}
	return nil
}

// armTimer starts (or restarts) the age-trigger timer for q. Caller must hold q.mu.
func (b *Batcher[T]) armTimer(kind string, q *kindQueue[T]) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(b.cfg.MaxBatchAge, func() {
		select {
		case <-b.closed:
			return
		default:
		}
		_ = b.flushKind(context.Background(), kind, q)
	})
}

// flushKind synchronously drains q, sorted by priority desc then
// enqueued_at asc, and runs the registered Processor. A Processor error
// fails every item in the batch but does not stop the Batcher from
// accepting further work (spec §4.5, "Failure isolation").
func (b *Batcher[T]) flushKind(ctx context.Context, kind string, q *kindQueue[T]) error {
	select {
	case <-q.flushSem:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { q.flushSem <- struct{}{} }()

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	processor := q.processor
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})

	err := processor.Process(ctx, batch)
	if err != nil {
		b.recorder.RecordBatchFlush(ctx, kind, "failed", len(batch))
		return fmt.Errorf("batch: kind %q process: %w", kind, err)
	}
	b.recorder.RecordBatchFlush(ctx, kind, "ok", len(batch))
	return nil
}

// FlushNow synchronously drains the named kind's pending batch.
func (b *Batcher[T]) FlushNow(ctx context.Context, kind string) error {
	q, err := b.queueFor(kind)
	if err != nil {
		return err
	}
	return b.flushKind(ctx, kind, q)
}

// FlushAll synchronously drains every registered kind's pending batch.
func (b *Batcher[T]) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	kinds := make([]string, 0, len(b.queues))
	for k := range b.queues {
		kinds = append(kinds, k)
	}
	b.mu.Unlock()

	var firstErr error
	for _, kind := range kinds {
		if err := b.FlushNow(ctx, kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pending reports how many items are currently queued for kind.
func (b *Batcher[T]) Pending(kind string) int {
	q, err := b.queueFor(kind)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Shutdown flushes every kind and stops accepting further timer-driven
// flushes. Safe to call multiple times.
func (b *Batcher[T]) Shutdown(ctx context.Context) error {
	err := b.FlushAll(ctx)
	b.closeOnce.Do(func() { close(b.closed) })
	return err
}
