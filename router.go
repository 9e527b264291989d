package ndi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// RouterState is the routing sub-state of a Router.
type RouterState int

const (
	RouterCreated   RouterState = iota // active, never bound
	RouterBound                        // forwarding an upstream source
	RouterCleared                      // active, upstream removed
	RouterDestroyed                    // terminal
)

func (s RouterState) String() string {
	switch s {
	case RouterCreated:
		return "created"
	case RouterBound:
		return "bound"
	case RouterCleared:
		return "cleared"
	case RouterDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func routerStateFrom(name string) RouterState {
	switch name {
	case "bound":
		return RouterBound
	case "cleared":
		return RouterCleared
	case "destroyed":
		return RouterDestroyed
	default:
		return RouterCreated
	}
}

// RouterOptions configures a router.
type RouterOptions struct {
	Name   string   // advertised name of the virtual source, required
	Groups []string // groups to advertise in
}

// Router advertises a virtual source whose upstream can be redirected at
// runtime. Receivers attached to the router's source keep their connection
// across Change and Clear.
type Router struct {
	*sessionCore
	handle RouterHandle
	opts   RouterOptions

	// routeMu serializes engine route calls with the state machine update.
	routeMu sync.Mutex
	machine *fsm.FSM
	bound   Source
}

// Routing creates a routing session.
func (rt *Runtime) Routing(opts RouterOptions) (*Router, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: router name is required", ErrInvalidConfig)
	}
	r := &Router{sessionCore: newSessionCore(rt, SessionRouter), opts: opts}
	r.machine = fsm.NewFSM(
		"created",
		fsm.Events{
			{Name: "change", Src: []string{"created", "bound", "cleared"}, Dst: "bound"},
			{Name: "clear", Src: []string{"created", "bound", "cleared"}, Dst: "cleared"},
			{Name: "destroy", Src: []string{"created", "bound", "cleared"}, Dst: "destroyed"},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.log.Debug("route state", "from", e.Src, "to", e.Dst)
			},
		},
	)
	err := rt.open(func() error {
		h, err := rt.engine.NewRouter(RouterConfig(opts))
		if err != nil {
			return fmt.Errorf("%w: create router %q: %w", ErrEngineUnavailable, opts.Name, err)
		}
		r.handle = h
		rt.track(r)
		r.activate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("router created", "name", opts.Name)
	return r, nil
}

// transition fires event, treating a self-transition as success.
func (r *Router) transition(event string) error {
	err := r.machine.Event(context.Background(), event)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		return err
	}
	return nil
}

// ChangeAsync points the router at src. The future resolves false, not an
// error, when the engine refuses the target.
func (r *Router) ChangeAsync(src Source) *Future[bool] {
	return dispatch(r.d, "change", func(context.Context) (bool, error) {
		if src.IsZero() {
			r.log.Warn("route change rejected", "reason", "empty source")
			return false, nil
		}
		r.routeMu.Lock()
		defer r.routeMu.Unlock()
		ok := r.handle.Change(src)
		r.rt.metrics.routeChanged(ok)
		if !ok {
			r.log.Warn("route change rejected", "source", src.Name)
			return false, nil
		}
		if err := r.transition("change"); err != nil {
			return false, err
		}
		r.bound = src
		r.log.Info("route changed", "source", src.Name)
		return true, nil
	})
}

// Change points the router at src and reports whether the engine accepted
// it.
func (r *Router) Change(ctx context.Context, src Source) (bool, error) {
	return r.ChangeAsync(src).Wait(ctx)
}

// ClearAsync removes the upstream. Clearing a cleared router resolves true
// without touching the engine.
func (r *Router) ClearAsync() *Future[bool] {
	return dispatch(r.d, "clear", func(context.Context) (bool, error) {
		r.routeMu.Lock()
		defer r.routeMu.Unlock()
		if r.machine.Current() == "cleared" {
			return true, nil
		}
		if !r.handle.Clear() {
			return false, nil
		}
		if err := r.transition("clear"); err != nil {
			return false, err
		}
		r.bound = Source{}
		r.log.Info("route cleared")
		return true, nil
	})
}

// Clear removes the upstream and reports whether the engine accepted it.
func (r *Router) Clear(ctx context.Context) (bool, error) {
	return r.ClearAsync().Wait(ctx)
}

// RouteState returns the current routing sub-state.
func (r *Router) RouteState() RouterState {
	return routerStateFrom(r.machine.Current())
}

// Bound returns the current upstream, if any.
func (r *Router) Bound() (Source, bool) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()
	return r.bound, r.machine.Current() == "bound"
}

// SourceName returns the name the router advertises for downstream
// discovery. It is unrelated to the bound upstream's name.
func (r *Router) SourceName() (string, error) {
	return call(r.d, "source_name", r.handle.SourceName)
}

// Connections returns the number of receivers attached to the router.
func (r *Router) Connections() (int, error) {
	return call(r.d, "connections", func() int { return r.handle.Connections(0) })
}

// Destroy waits for in-flight route changes and releases the engine handle.
func (r *Router) Destroy() error {
	return r.destroy(func() error {
		r.handle.Destroy()
		return r.transition("destroy")
	})
}
