package ndi

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics
	m.sessionOpened(SessionSender)
	m.sessionClosed(SessionSender)
	m.frameSent(FrameKindVideo)
	m.frameReceived(FrameKindAudio)
	m.receiveTimeout(FrameKindVideo)
	m.routeChanged(true)
	m.observeDispatch(SessionReceiver, "video", time.Millisecond)
}

func TestMetrics_RuntimeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.Registerer = reg
	rt, err := Open(NewLoopbackEngine(LoopbackConfig{Machine: "TEST"}), opts)
	require.NoError(t, err)
	ctx := context.Background()

	s, r := connect(t, rt, "metrics", ReceiverOptions{})
	m := rt.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("sender")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("receiver")))

	require.NoError(t, s.SendVideo(ctx, bgraFrame(t, 4, 4)))
	v, err := r.Video(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.NoError(t, v.Release())
	v, err = r.Video(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesSent.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("video")))

	router, err := rt.Routing(RouterOptions{Name: "m"})
	require.NoError(t, err)
	ok, err := router.Change(ctx, Source{Name: "nowhere", Address: "127.0.0.1:9"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeChanges.WithLabelValues("rejected")))
	assert.Positive(t, testutil.CollectAndCount(m.dispatch))
	_, err = m.dispatch.GetMetricWithLabelValues("receiver", "video")
	assert.NoError(t, err, "dispatch_seconds is labelled by session kind and op")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(shutdownCtx))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("sender")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("router")))
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := newMetrics(reg)
	require.NoError(t, err)
	b, err := newMetrics(reg)
	require.NoError(t, err)

	a.frameSent(FrameKindVideo)
	b.frameSent(FrameKindVideo)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.framesSent.WithLabelValues("video")))
}
