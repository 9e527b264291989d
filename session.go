package ndi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionKind identifies the type of a session.
type SessionKind int

const (
	SessionFinder SessionKind = iota + 1
	SessionSender
	SessionReceiver
	SessionRouter
)

func (k SessionKind) String() string {
	switch k {
	case SessionFinder:
		return "finder"
	case SessionSender:
		return "sender"
	case SessionReceiver:
		return "receiver"
	case SessionRouter:
		return "router"
	default:
		return "unknown"
	}
}

// SessionState is the lifecycle state of a session. Destroyed is terminal.
type SessionState int32

const (
	StateCreated SessionState = iota
	StateActive
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// session is what the Runtime tracks for every live session.
type session interface {
	ID() string
	Kind() SessionKind
	Destroy() error
}

// sessionCore holds the lifecycle shared by every session type. The engine
// handle itself lives on the concrete session and is released only through
// destroy.
type sessionCore struct {
	rt    *Runtime
	kind  SessionKind
	id    string
	log   *slog.Logger
	d     *dispatcher
	state atomic.Int32
}

func newSessionCore(rt *Runtime, kind SessionKind) *sessionCore {
	id := uuid.NewString()
	log := rt.log.With("component", kind.String(), "session", shortID(id))
	c := &sessionCore{
		rt:   rt,
		kind: kind,
		id:   id,
		log:  log,
		d:    newDispatcher(rt.bridge, kind, id, log),
	}
	c.state.Store(int32(StateCreated))
	return c
}

// ID returns the session's unique identifier.
func (c *sessionCore) ID() string { return c.id }

// Kind returns the session type.
func (c *sessionCore) Kind() SessionKind { return c.kind }

// State returns the current lifecycle state.
func (c *sessionCore) State() SessionState { return SessionState(c.state.Load()) }

func (c *sessionCore) activate() {
	c.state.Store(int32(StateActive))
	c.rt.metrics.sessionOpened(c.kind)
}

// destroy marks the session Destroyed, drains in-flight calls and then runs
// release exactly once. When the drain outlasts the runtime's grace period
// the release is deferred until the last call exits, never run underneath
// it, and ErrDrainTimeout is returned.
func (c *sessionCore) destroy(release func() error) error {
	done, drained, err := c.d.close(c.rt.opts.DrainGrace)
	if err != nil {
		return err
	}
	c.state.Store(int32(StateDestroyed))

	finish := func() error {
		err := release()
		c.rt.forget(c.id)
		c.rt.metrics.sessionClosed(c.kind)
		c.log.Info("session destroyed")
		return err
	}
	if drained {
		return finish()
	}

	c.log.Warn("destroy grace elapsed with calls in flight, deferring handle release",
		"grace", c.rt.opts.DrainGrace)
	go func() {
		<-done
		if err := finish(); err != nil {
			c.log.Warn("deferred release", "error", err)
		}
	}()
	return fmt.Errorf("%w: %s %s", ErrDrainTimeout, c.kind, shortID(c.id))
}

// IsLifecycle reports whether err came from using a session that is no
// longer Active.
func IsLifecycle(err error) bool { return errors.Is(err, ErrLifecycle) }
