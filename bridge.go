package ndi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Future is the single-resolution result of one dispatched engine call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolvedFuture[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

// resolve must be called exactly once.
func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result blocks until the call completes.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait blocks until the call completes or ctx is done. Abandoning a future
// does not cancel the underlying call.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// bridge is the pool that runs blocking engine calls. It is shared by every
// session of a Runtime; the semaphore bounds how many calls run at once.
type bridge struct {
	sem     *semaphore.Weighted
	slice   time.Duration
	metrics *metrics
}

func newBridge(workers int, slice time.Duration, m *metrics) *bridge {
	return &bridge{
		sem:     semaphore.NewWeighted(int64(workers)),
		slice:   slice,
		metrics: m,
	}
}

// dispatcher tracks one session's outstanding calls. Cancelling ctx is the
// cooperative stop flag that workers check between engine calls.
type dispatcher struct {
	b    *bridge
	kind SessionKind
	id   string
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(b *bridge, kind SessionKind, id string, log *slog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{b: b, kind: kind, id: id, log: log, ctx: ctx, cancel: cancel}
}

func (d *dispatcher) lifecycleErr(op string, err error) error {
	return &LifecycleError{Kind: d.kind, ID: d.id, Op: op, Err: err}
}

// enter registers a call. It fails once close has started.
func (d *dispatcher) enter(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return d.lifecycleErr(op, ErrDestroyed)
	}
	d.wg.Add(1)
	return nil
}

func (d *dispatcher) exit() { d.wg.Done() }

// dispatch runs fn on the pool and returns its future. fn receives the
// session context and must return promptly once it is cancelled.
func dispatch[T any](d *dispatcher, op string, fn func(ctx context.Context) (T, error)) *Future[T] {
	var zero T
	if err := d.enter(op); err != nil {
		return resolvedFuture(zero, err)
	}
	f := newFuture[T]()
	go func() {
		defer d.exit()
		if err := d.b.sem.Acquire(d.ctx, 1); err != nil {
			f.resolve(zero, d.lifecycleErr(op, ErrDestroyed))
			return
		}
		defer d.b.sem.Release(1)
		if d.ctx.Err() != nil {
			f.resolve(zero, d.lifecycleErr(op, ErrDestroyed))
			return
		}
		start := time.Now()
		v, err := fn(d.ctx)
		d.b.metrics.observeDispatch(d.kind, op, time.Since(start))
		f.resolve(v, err)
	}()
	return f
}

// call runs a non-blocking engine query on the caller's goroutine while
// holding off handle release.
func call[T any](d *dispatcher, op string, fn func() T) (T, error) {
	if err := d.enter(op); err != nil {
		var zero T
		return zero, err
	}
	defer d.exit()
	return fn(), nil
}

// close stops new calls, cancels running ones and waits up to grace for
// them to finish. The returned channel is closed when the last call exits;
// drained reports whether that happened within grace.
func (d *dispatcher) close(grace time.Duration) (done <-chan struct{}, drained bool, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, false, d.lifecycleErr("destroy", ErrDoubleDestroy)
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	ch := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(ch)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ch:
		return ch, true, nil
	case <-timer.C:
		return ch, false, nil
	}
}

// sliced calls step with successive slices of timeout, stopping when step
// reports done, the timeout is spent, or ctx is cancelled. A zero timeout
// polls once. The total wait never exceeds timeout by more than one slice.
func sliced(ctx context.Context, timeout, slice time.Duration, step func(time.Duration) bool) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	if slice <= 0 {
		slice = timeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		last := remaining <= slice
		if step(min(remaining, slice)) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if last {
			return false, nil
		}
	}
}
