// Package dispatch provides the single-goroutine scheduling model for the
// kernel: a serial task Runner that owns all state mutation, and a
// detachable Proxy that marshals native callbacks from arbitrary goroutines
// onto the runner.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes posted tasks one at a time on a single controlling
// goroutine. Every state transition in the source-buffer and player engines
// happens inside a runner task, which is the only synchronization those
// engines need.
type Runner struct {
	log *slog.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewRunner creates a Runner. If log is nil, slog.Default() is used.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		log:  log.With("component", "runner"),
		wake: make(chan struct{}, 1),
	}
}

// Post enqueues a task for execution on the controlling goroutine. Safe to
// call from any goroutine, including from a running task.
func (r *Runner) Post(task func()) {
	r.mu.Lock()
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// PostDelayed enqueues a task after the given delay. The returned timer can
// be stopped to cancel a task that has not yet been posted; once posted, the
// task runs and must guard itself against stale state.
func (r *Runner) PostDelayed(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		r.Post(task)
	})
}

// Run executes tasks until the context is cancelled. Tasks posted after
// cancellation are dropped.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			r.runPending()
		}
	}
}

// Drain runs queued tasks on the caller's goroutine until the queue is
// empty, including tasks posted by the tasks it runs. It is for teardown
// flushing and tests; it must not race with an active Run loop.
func (r *Runner) Drain() {
	for r.runPending() {
	}
}

// runPending executes the currently queued batch and reports whether any
// task ran. Tasks posted during the batch are picked up on the next pass.
func (r *Runner) runPending() bool {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, task := range batch {
		task()
	}
	return len(batch) > 0
}
