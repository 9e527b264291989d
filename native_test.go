//go:build darwin || linux

package ndi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestBundledLibPaths(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	sub := filepath.Join(root, "cmd", "tool")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	t.Chdir(sub)

	got := bundledLibPaths([]string{"libndi.so"})
	want := []string{
		filepath.Join(sub, "build", "libndi.so"),
		filepath.Join(root, "cmd", "build", "libndi.so"),
		filepath.Join(root, "build", "libndi.so"),
	}
	require.Equal(t, want, got)
}

func TestCStrings(t *testing.T) {
	if got := cstr("abc"); string(got) != "abc\x00" {
		t.Errorf("cstr = %q", got)
	}
	if cstrOrNil("") != nil || bytePtr(nil) != nil {
		t.Error("empty string should map to NULL")
	}
	if got := cstrList([]string{"public", "studio"}); string(got) != "public,studio\x00" {
		t.Errorf("cstrList = %q", got)
	}
	if cstrList(nil) != nil {
		t.Error("empty list should map to NULL")
	}

	b := cstr("round trip")
	if got := goStringFromPtr(uintptr(unsafe.Pointer(&b[0]))); got != "round trip" {
		t.Errorf("goStringFromPtr = %q", got)
	}
	if got := goStringN(uintptr(unsafe.Pointer(&b[0])), 5); got != "round" {
		t.Errorf("goStringN limit = %q", got)
	}
	if goStringFromPtr(0) != "" {
		t.Error("NULL should read as empty")
	}
}

func TestNativeEnums(t *testing.T) {
	colors := map[ColorFormat]int32{
		ColorFormatBGRXBGRA: 0, ColorFormatUYVYBGRA: 1, ColorFormatRGBXRGBA: 2,
		ColorFormatUYVYRGBA: 3, ColorFormatFastest: 100, ColorFormatBest: 101,
	}
	for c, want := range colors {
		if got := nativeColorFormat(c); got != want {
			t.Errorf("nativeColorFormat(%s) = %d, want %d", c, got, want)
		}
	}
	bandwidths := map[Bandwidth]int32{
		BandwidthMetadataOnly: -10, BandwidthAudioOnly: 10, BandwidthLowest: 0, BandwidthHighest: 100,
	}
	for b, want := range bandwidths {
		if got := nativeBandwidth(b); got != want {
			t.Errorf("nativeBandwidth(%s) = %d, want %d", b, got, want)
		}
	}
	if timeoutMs(-time.Second) != 0 || timeoutMs(1500*time.Millisecond) != 1500 {
		t.Error("timeoutMs conversion")
	}
}

// TestNativeRoundTrip needs the NDI runtime installed. Set RUN_NDI_TESTS=1
// to run it.
func TestNativeRoundTrip(t *testing.T) {
	if os.Getenv("RUN_NDI_TESTS") == "" {
		t.Skip("set RUN_NDI_TESTS=1 to run against the NDI runtime")
	}
	if !IsNativeAvailable() {
		t.Skip("NDI runtime not found")
	}

	e, err := NewNativeEngine()
	require.NoError(t, err)
	rt, err := Open(e, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	t.Logf("engine %s", rt.Version())

	s, err := rt.Send(SenderOptions{Name: "ndi-go-test", ClockVideo: true})
	require.NoError(t, err)
	src, err := rt.FindSource(context.Background(), FinderOptions{ShowLocalSources: true},
		StreamIs("ndi-go-test"), DiscoverOptions{})
	require.NoError(t, err)

	r, err := rt.Receive(ReceiverOptions{Source: src, ColorFormat: ColorFormatBGRXBGRA})
	require.NoError(t, err)
	_, err = s.WaitForConnections(context.Background(), 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go Pump(ctx, s, PumpConfig{Pattern: TestPatternConfig{Width: 64, Height: 36}})

	for {
		v, err := r.Video(ctx, time.Second)
		require.NoError(t, err)
		if v == nil {
			continue
		}
		w, h := v.Width, v.Height
		require.NoError(t, v.Release())
		require.Equal(t, 64, w)
		require.Equal(t, 36, h)
		return
	}
}
