package ndi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expectWidth sends w x h frames on s until one of that width reaches r.
func expectWidth(t *testing.T, s *Sender, r *Receiver, w, h int) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, s.SendVideo(ctx, bgraFrame(t, w, h)))
		v, err := r.Video(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		if v == nil {
			continue
		}
		gotW, gotH := v.Width, v.Height
		require.NoError(t, v.Release())
		if gotW == w {
			assert.Equal(t, h, gotH)
			return
		}
	}
	t.Fatalf("no %dx%d frame arrived through the router", w, h)
}

func TestRouter_SwitchUpstream(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	ctx := context.Background()

	a, err := rt.Send(SenderOptions{Name: "A"})
	require.NoError(t, err)
	defer a.Destroy()
	b, err := rt.Send(SenderOptions{Name: "B"})
	require.NoError(t, err)
	defer b.Destroy()
	fopts := FinderOptions{ShowLocalSources: true}
	srcA, err := rt.FindSource(ctx, fopts, StreamIs("A"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	srcB, err := rt.FindSource(ctx, fopts, StreamIs("B"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	router, err := rt.Routing(RouterOptions{Name: "R"})
	require.NoError(t, err)
	defer router.Destroy()
	assert.Equal(t, RouterCreated, router.RouteState())

	ok, err := router.Change(ctx, srcA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RouterBound, router.RouteState())
	bound, isBound := router.Bound()
	assert.True(t, isBound)
	assert.True(t, bound.Same(srcA))

	routed, err := rt.FindSource(ctx, fopts, StreamIs("R"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	name, err := router.SourceName()
	require.NoError(t, err)
	assert.Equal(t, routed.Name, name)
	assert.NotEqual(t, srcA.Name, name)

	r, err := rt.Receive(ReceiverOptions{Source: routed})
	require.NoError(t, err)
	defer r.Destroy()
	n, err := router.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expectWidth(t, a, r, 64, 36)

	ok, err = router.Change(ctx, srcB)
	require.NoError(t, err)
	require.True(t, ok)
	expectWidth(t, b, r, 128, 72)

	// The receiver never reconnected.
	n, err = r.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = router.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Frames from A no longer reach the router.
	require.NoError(t, a.SendVideo(ctx, bgraFrame(t, 64, 36)))
	for {
		v, err := r.Video(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		if v == nil {
			break
		}
		w := v.Width
		require.NoError(t, v.Release())
		assert.Equal(t, 128, w, "frame from the old upstream")
	}
}

func TestRouter_ClearIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	ctx := context.Background()
	s, err := rt.Send(SenderOptions{Name: "up"})
	require.NoError(t, err)
	defer s.Destroy()
	src, err := rt.FindSource(ctx, FinderOptions{ShowLocalSources: true}, StreamIs("up"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	router, err := rt.Routing(RouterOptions{Name: "clear"})
	require.NoError(t, err)
	defer router.Destroy()

	ok, err := router.Change(ctx, src)
	require.NoError(t, err)
	require.True(t, ok)
	n, err := s.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "router attached to its upstream")

	for i := 0; i < 3; i++ {
		ok, err := router.Clear(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, RouterCleared, router.RouteState())
	}
	_, isBound := router.Bound()
	assert.False(t, isBound)
	n, err = s.Connections()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Rebinding after a clear works.
	ok, err = router.Change(ctx, src)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RouterBound, router.RouteState())
}

func TestRouter_RejectedTargets(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	ctx := context.Background()

	r1, err := rt.Routing(RouterOptions{Name: "r1"})
	require.NoError(t, err)
	defer r1.Destroy()
	r2, err := rt.Routing(RouterOptions{Name: "r2"})
	require.NoError(t, err)
	defer r2.Destroy()

	fopts := FinderOptions{ShowLocalSources: true}
	src1, err := rt.FindSource(ctx, fopts, StreamIs("r1"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	src2, err := rt.FindSource(ctx, fopts, StreamIs("r2"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	tests := []struct {
		name   string
		router *Router
		target Source
		want   bool
	}{
		{"unknown address", r1, Source{Name: "GONE (x)", Address: "127.0.0.1:1"}, false},
		{"unknown name", r1, Source{Name: "GONE (y)"}, false},
		{"empty source", r1, Source{}, false},
		{"self", r1, src1, false},
		{"chain", r1, src2, true},
		{"cycle", r2, src1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.router.RouteState()
			ok, err := tt.router.Change(ctx, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.Equal(t, before, tt.router.RouteState(), "rejected change moved the state")
			}
		})
	}
}

func TestRouter_ChangeByName(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	ctx := context.Background()
	s, err := rt.Send(SenderOptions{Name: "named"})
	require.NoError(t, err)
	defer s.Destroy()
	src, err := rt.FindSource(ctx, FinderOptions{ShowLocalSources: true}, StreamIs("named"), DiscoverOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	router, err := rt.Routing(RouterOptions{Name: "byname"})
	require.NoError(t, err)
	defer router.Destroy()

	ok, err := router.Change(ctx, src)
	require.NoError(t, err)
	require.True(t, ok)

	// Rebinding by name alone keeps the upstream attached.
	ok, err = router.Change(ctx, Source{Name: src.Name})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RouterBound, router.RouteState())
	n, err := s.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// An empty source leaves the current route alone.
	ok, err = router.Change(ctx, Source{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RouterBound, router.RouteState())
	n, err = s.Connections()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRouter_Destroy(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, "TEST")
	router, err := rt.Routing(RouterOptions{Name: "gone"})
	require.NoError(t, err)

	require.NoError(t, router.Destroy())
	assert.Equal(t, RouterDestroyed, router.RouteState())
	assert.Equal(t, StateDestroyed, router.State())
	_, err = router.Change(context.Background(), Source{Name: "x", Address: "y"})
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = router.Clear(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, router.Destroy(), ErrDoubleDestroy)
}

func TestRouterState_String(t *testing.T) {
	tests := []struct {
		state RouterState
		want  string
	}{
		{RouterCreated, "created"},
		{RouterBound, "bound"},
		{RouterCleared, "cleared"},
		{RouterDestroyed, "destroyed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("RouterState.String() = %v, want %v", got, tt.want)
		}
		if got := routerStateFrom(tt.want); got != tt.state {
			t.Errorf("routerStateFrom(%q) = %v", tt.want, got)
		}
	}
}
