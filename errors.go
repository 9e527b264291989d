package ndi

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable is returned when the engine cannot be loaded or
	// cannot allocate a session.
	ErrEngineUnavailable = errors.New("ndi: engine unavailable")
	// ErrUnsupportedPlatform is returned by the native engine on platforms
	// without a runtime binding.
	ErrUnsupportedPlatform = errors.New("ndi: platform not supported")

	ErrNotInitialized     = errors.New("ndi: engine not initialized")
	ErrAlreadyInitialized = errors.New("ndi: engine already initialized")
	// ErrReinitialize is fatal: the engine cannot start again once shut down.
	ErrReinitialize = errors.New("ndi: engine cannot be initialized after shutdown")
	ErrSessionsAlive = errors.New("ndi: sessions still alive")
	ErrRuntimeClosed = errors.New("ndi: runtime closed")

	// ErrLifecycle matches every *LifecycleError.
	ErrLifecycle     = errors.New("ndi: lifecycle violation")
	ErrDestroyed     = errors.New("session destroyed")
	ErrDoubleDestroy = errors.New("session already destroyed")
	// ErrDrainTimeout reports that destroy gave up waiting for in-flight
	// calls. The engine handle is released once they finish.
	ErrDrainTimeout = errors.New("ndi: in-flight calls still draining")

	ErrDiscoveryTimeout  = errors.New("ndi: discovery timed out")
	ErrTransportRejected = errors.New("ndi: transport rejected")

	ErrBufferShape   = errors.New("ndi: buffer smaller than frame shape")
	ErrInvalidFrame  = errors.New("ndi: invalid frame")
	ErrInvalidConfig = errors.New("ndi: invalid session options")
	ErrFrameReleased = errors.New("ndi: frame already released")
	// ErrFramesOutstanding is returned by Receiver.Destroy when it had to
	// reclaim frames the caller never released.
	ErrFramesOutstanding = errors.New("ndi: received frames were not released")
	ErrKindDisabled      = errors.New("ndi: frame kind disabled on this receiver")
)

// LifecycleError reports an operation on a session that is not Active.
type LifecycleError struct {
	Kind SessionKind
	ID   string
	Op   string
	Err  error // ErrDestroyed or ErrDoubleDestroy
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("ndi: %s %s: %s: %v", e.Kind, shortID(e.ID), e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() []error { return []error{ErrLifecycle, e.Err} }

// BufferShapeError reports a frame whose buffer or stride is smaller than its
// declared shape requires.
type BufferShapeError struct {
	Kind  FrameKind
	Field string // "data" or "stride"
	Have  int
	Need  int
}

func (e *BufferShapeError) Error() string {
	return fmt.Sprintf("ndi: %s %s is %d bytes, need at least %d", e.Kind, e.Field, e.Have, e.Need)
}

func (e *BufferShapeError) Is(target error) bool { return target == ErrBufferShape }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
