package ndi

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ndi"

// metrics holds the runtime's Prometheus collectors. A nil *metrics is
// valid and records nothing.
type metrics struct {
	sessionsActive *prometheus.GaugeVec
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	routeChanges   *prometheus.CounterVec
	dispatch       *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Live sessions by kind.",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the engine by senders.",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames delivered to callers by receivers.",
		}, []string{"kind"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "receive_timeouts_total",
			Help:      "Receive calls that ended with no frame.",
		}, []string{"kind"}),
		routeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "route_changes_total",
			Help:      "Router upstream changes by result.",
		}, []string{"result"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_seconds",
			Help:      "Time spent inside blocking engine calls.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"session", "op"}),
	}

	var err error
	m.sessionsActive = register(reg, m.sessionsActive, &err)
	m.framesSent = register(reg, m.framesSent, &err)
	m.framesReceived = register(reg, m.framesReceived, &err)
	m.timeouts = register(reg, m.timeouts, &err)
	m.routeChanges = register(reg, m.routeChanges, &err)
	m.dispatch = register(reg, m.dispatch, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that another
// Runtime already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *metrics) sessionOpened(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) sessionClosed(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind.String()).Dec()
}

func (m *metrics) frameSent(kind FrameKind) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) frameReceived(kind FrameKind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) receiveTimeout(kind FrameKind) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) routeChanged(ok bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.routeChanges.WithLabelValues(result).Inc()
}

func (m *metrics) observeDispatch(kind SessionKind, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(kind.String(), op).Observe(d.Seconds())
}
