//go:build darwin || linux

// Shared utilities for the purego runtime binding.

package ndi

import (
	"os"
	"path/filepath"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string. Names and
// addresses from the SDK are short; longer strings are truncated.
func goStringFromPtr(ptr uintptr) string {
	return goStringN(ptr, 1024)
}

// goStringN copies at most limit bytes of a NUL-terminated C string.
func goStringN(ptr uintptr, limit int) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for length < limit && *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// bundledLibPaths lists build/<name> candidates for every directory from
// the working directory up to the enclosing module root, nearest first, so
// tests and tools run inside a checkout pick up a vendored SDK build.
func bundledLibPaths(names []string) []string {
	dir, err := os.Getwd()
	if err != nil {
		return nil
	}
	var paths []string
	for {
		for _, name := range names {
			paths = append(paths, filepath.Join(dir, "build", name))
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return paths
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Not inside a module: only the working directory counts.
			return paths[:len(names)]
		}
		dir = parent
	}
}
