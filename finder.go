package ndi

import (
	"context"
	"fmt"
	"time"
)

// FinderOptions configures source discovery.
type FinderOptions struct {
	ShowLocalSources bool     // include sources on this machine
	Groups           []string // restrict to these groups (default: all public)
	ExtraIPs         []string // unicast addresses to probe in addition to mDNS
}

// Finder keeps a live view of the sources advertised on the network. It
// only offers wait and snapshot primitives; see Discover for polling.
type Finder struct {
	*sessionCore
	handle FinderHandle
}

// Find creates a discovery session.
func (rt *Runtime) Find(opts FinderOptions) (*Finder, error) {
	f := &Finder{sessionCore: newSessionCore(rt, SessionFinder)}
	err := rt.open(func() error {
		h, err := rt.engine.NewFinder(FinderConfig(opts))
		if err != nil {
			return fmt.Errorf("%w: create finder: %w", ErrEngineUnavailable, err)
		}
		f.handle = h
		rt.track(f)
		f.activate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.log.Info("finder created", "local", opts.ShowLocalSources, "groups", opts.Groups)
	return f, nil
}

// WaitAsync waits up to timeout for the source list to change. The future
// resolves true on change and false on timeout.
func (f *Finder) WaitAsync(timeout time.Duration) *Future[bool] {
	return dispatch(f.d, "wait", func(ctx context.Context) (bool, error) {
		changed, err := sliced(ctx, timeout, f.rt.bridge.slice, f.handle.Wait)
		if err != nil {
			return false, f.d.lifecycleErr("wait", ErrDestroyed)
		}
		return changed, nil
	})
}

// Wait blocks until the source list changes, timeout elapses, or ctx is
// done.
func (f *Finder) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return f.WaitAsync(timeout).Wait(ctx)
}

// Sources returns the current snapshot. Order is not stable across calls;
// names may repeat but addresses never do. The returned values do not
// depend on the finder staying alive.
func (f *Finder) Sources() ([]Source, error) {
	return call(f.d, "sources", func() []Source {
		return uniqueSources(f.handle.Sources())
	})
}

// Destroy releases the engine handle after in-flight waits are cancelled.
// A second call fails with a LifecycleError.
func (f *Finder) Destroy() error {
	return f.destroy(func() error {
		f.handle.Destroy()
		return nil
	})
}
