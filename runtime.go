package ndi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Options configures a Runtime.
type Options struct {
	Workers    int                   // engine calls allowed to run at once (default: 64)
	DrainGrace time.Duration         // how long Destroy waits for in-flight calls (default: 5s)
	PollSlice  time.Duration         // longest single engine wait between cancellation checks (default: 100ms)
	Logger     *slog.Logger          // default: slog.Default()
	Registerer prometheus.Registerer // nil disables metrics
}

// DefaultOptions returns the default runtime configuration.
func DefaultOptions() Options {
	return Options{
		Workers:    64,
		DrainGrace: 5 * time.Second,
		PollSlice:  100 * time.Millisecond,
	}
}

// Runtime is the process-wide engine context. It initializes the engine
// once, creates sessions, and shuts the engine down only after every
// session it created is destroyed.
type Runtime struct {
	engine  Engine
	opts    Options
	log     *slog.Logger
	bridge  *bridge
	metrics *metrics

	// lifecycle is held for reading while a session is constructed and for
	// writing while the runtime closes.
	lifecycle sync.RWMutex
	closed    bool

	mu       sync.Mutex
	sessions map[string]session
}

// Open initializes engine and returns a Runtime owning it. An engine can be
// opened once per process; opening it again after Close fails with
// ErrReinitialize.
func Open(engine Engine, opts Options) (*Runtime, error) {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = def.DrainGrace
	}
	if opts.PollSlice <= 0 {
		opts.PollSlice = def.PollSlice
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if err := engine.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	rt := &Runtime{
		engine:   engine,
		opts:     opts,
		log:      log.With("component", "ndi"),
		bridge:   newBridge(opts.Workers, opts.PollSlice, m),
		metrics:  m,
		sessions: make(map[string]session),
	}
	rt.log.Info("engine initialized", "version", engine.Version(), "workers", opts.Workers)
	return rt, nil
}

// Version returns the engine's version string.
func (rt *Runtime) Version() string { return rt.engine.Version() }

// IsSupportedCPU reports whether the engine can run on this CPU.
func (rt *Runtime) IsSupportedCPU() bool { return rt.engine.IsSupportedCPU() }

// Sessions returns the number of live sessions.
func (rt *Runtime) Sessions() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sessions)
}

// open runs a session constructor with the runtime held open, so Close
// cannot shut the engine down between handle creation and track.
func (rt *Runtime) open(create func() error) error {
	rt.lifecycle.RLock()
	defer rt.lifecycle.RUnlock()
	if rt.closed {
		return ErrRuntimeClosed
	}
	return create()
}

func (rt *Runtime) track(s session) {
	rt.mu.Lock()
	rt.sessions[s.ID()] = s
	rt.mu.Unlock()
}

func (rt *Runtime) forget(id string) {
	rt.mu.Lock()
	delete(rt.sessions, id)
	rt.mu.Unlock()
}

// Close shuts the engine down. It fails with ErrSessionsAlive, leaving the
// engine running, while any session has not finished destroying.
func (rt *Runtime) Close() error {
	rt.lifecycle.Lock()
	defer rt.lifecycle.Unlock()
	if rt.closed {
		return ErrRuntimeClosed
	}
	if n := rt.Sessions(); n > 0 {
		return fmt.Errorf("%w: %d", ErrSessionsAlive, n)
	}
	rt.closed = true
	rt.engine.Shutdown()
	rt.log.Info("engine shut down")
	return nil
}

// Shutdown destroys every live session concurrently and then closes the
// runtime. Errors from individual sessions are joined; sessions that were
// already being destroyed elsewhere are not reported.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	live := make([]session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		live = append(live, s)
	}
	rt.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			err := s.Destroy()
			if err != nil && !errors.Is(err, ErrDoubleDestroy) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Sessions whose drain outlasted the grace period release in the
	// background; wait for them before shutting the engine down.
	for rt.Sessions() > 0 {
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case <-time.After(rt.opts.PollSlice):
		}
	}
	if err := rt.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
