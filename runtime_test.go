package ndi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		Workers:    16,
		DrainGrace: time.Second,
		PollSlice:  20 * time.Millisecond,
		Logger:     quietLogger(),
	}
}

// newTestRuntime opens a loopback runtime on net (a private network when
// nil) and shuts it down when the test ends.
func newTestRuntime(t *testing.T, net *LoopbackNetwork, machine string) (*Runtime, *LoopbackEngine) {
	t.Helper()
	e := NewLoopbackEngine(LoopbackConfig{Network: net, Machine: machine})
	rt, err := Open(e, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil && !errors.Is(err, ErrRuntimeClosed) && !errors.Is(err, ErrFramesOutstanding) {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rt, e
}

func TestOpen_Defaults(t *testing.T) {
	e := NewLoopbackEngine(LoopbackConfig{})
	rt, err := Open(e, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer rt.Close()

	def := DefaultOptions()
	assert.Equal(t, def.Workers, rt.opts.Workers)
	assert.Equal(t, def.DrainGrace, rt.opts.DrainGrace)
	assert.Equal(t, def.PollSlice, rt.opts.PollSlice)
	assert.Equal(t, "NDI SDK LOOPBACK 6.0.0.0", rt.Version())
	assert.True(t, rt.IsSupportedCPU())
}

func TestOpen_AlreadyInitialized(t *testing.T) {
	e := NewLoopbackEngine(LoopbackConfig{})
	rt, err := Open(e, testOptions())
	require.NoError(t, err)
	defer rt.Close()

	_, err = Open(e, testOptions())
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestOpen_AfterCloseIsFatal(t *testing.T) {
	e := NewLoopbackEngine(LoopbackConfig{})
	rt, err := Open(e, testOptions())
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	_, err = Open(e, testOptions())
	assert.ErrorIs(t, err, ErrReinitialize)
	assert.ErrorIs(t, rt.Close(), ErrRuntimeClosed)
}

func TestClose_SessionsAlive(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	s, err := rt.Send(SenderOptions{Name: "alive"})
	require.NoError(t, err)

	err = rt.Close()
	assert.ErrorIs(t, err, ErrSessionsAlive)
	assert.Equal(t, 1, rt.Sessions())

	// The engine keeps running.
	_, err = s.SourceName()
	require.NoError(t, err)

	require.NoError(t, s.Destroy())
	assert.Equal(t, 0, rt.Sessions())
	require.NoError(t, rt.Close())

	_, err = rt.Send(SenderOptions{Name: "late"})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestShutdown_DestroysEverything(t *testing.T) {
	e := NewLoopbackEngine(LoopbackConfig{Machine: "TEST"})
	rt, err := Open(e, testOptions())
	require.NoError(t, err)

	s, err := rt.Send(SenderOptions{Name: "a"})
	require.NoError(t, err)
	f, err := rt.Find(FinderOptions{ShowLocalSources: true})
	require.NoError(t, err)
	src, err := Discover(context.Background(), f, StreamIs("a"), DiscoverOptions{Timeout: time.Second})
	require.NoError(t, err)
	r, err := rt.Receive(ReceiverOptions{Source: src})
	require.NoError(t, err)
	rtr, err := rt.Routing(RouterOptions{Name: "r"})
	require.NoError(t, err)

	// A wait in flight must not hold Shutdown up.
	pending := r.VideoAsync(time.Minute)
	require.Equal(t, 4, rt.Sessions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
	assert.Equal(t, 0, rt.Sessions())

	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, ErrDestroyed)
	for _, s := range []interface{ State() SessionState }{s, f, r, rtr} {
		assert.Equal(t, StateDestroyed, s.State())
	}
	assert.ErrorIs(t, s.Destroy(), ErrDoubleDestroy)
	_, err = e.NewSender(SenderConfig{Name: "after"})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSession_DoubleDestroy(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	f, err := rt.Find(FinderOptions{})
	require.NoError(t, err)
	assert.Equal(t, SessionFinder, f.Kind())
	assert.Equal(t, StateActive, f.State())
	assert.NotEmpty(t, f.ID())

	require.NoError(t, f.Destroy())
	err = f.Destroy()
	assert.ErrorIs(t, err, ErrDoubleDestroy)
	assert.True(t, IsLifecycle(err))

	_, err = f.Sources()
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = f.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSession_InvalidOptions(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")

	_, err := rt.Send(SenderOptions{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = rt.Receive(ReceiverOptions{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = rt.Routing(RouterOptions{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 0, rt.Sessions())
}
