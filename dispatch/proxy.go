package dispatch

import "sync"

// Proxy forwards native-layer callbacks onto the controlling goroutine while
// allowing the target to be detached atomically at teardown. A callback
// already in flight on another goroutine either observes a valid target and
// posts its work, or observes the cleared reference and becomes a no-op;
// either way the target check is repeated when the posted task actually
// runs, so work never touches a target detached in between.
type Proxy[T any] struct {
	runner *Runner

	mu     sync.Mutex
	target *T
}

// NewProxy creates a proxy bound to target, dispatching onto runner.
func NewProxy[T any](runner *Runner, target *T) *Proxy[T] {
	return &Proxy[T]{runner: runner, target: target}
}

// Dispatch schedules fn against the proxy's target. Safe to call from any
// goroutine. If the proxy has been detached, now or by the time the task
// runs, fn is silently dropped.
func (p *Proxy[T]) Dispatch(fn func(target *T)) {
	p.mu.Lock()
	attached := p.target != nil
	p.mu.Unlock()
	if !attached {
		return
	}

	p.runner.Post(func() {
		p.mu.Lock()
		target := p.target
		p.mu.Unlock()
		if target == nil {
			return
		}
		fn(target)
	})
}

// Detach clears the target reference. Callbacks arriving afterwards, and
// queued tasks that have not yet run, become no-ops.
func (p *Proxy[T]) Detach() {
	p.mu.Lock()
	p.target = nil
	p.mu.Unlock()
}
