//go:build !darwin && !linux

package ndi

import "fmt"

// IsNativeAvailable reports whether the NDI runtime library can be loaded.
func IsNativeAvailable() bool { return false }

// NewNativeEngine always fails on this platform.
func NewNativeEngine() (Engine, error) {
	return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, ErrUnsupportedPlatform)
}
