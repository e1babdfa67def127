// Package metrics exposes Prometheus collectors for the collaboration server.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connections    prometheus.Gauge
	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	sendOverflows  prometheus.Counter
	storageErrors  *prometheus.CounterVec
	requests       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairpad",
			Name:      "connections_active",
			Help:      "Number of live WebSocket connections.",
		}),
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "events_received_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "events_dropped_total",
			Help:      "Inbound client events dropped without effect, by reason.",
		}, []string{"reason"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "events_delivered_total",
			Help:      "Outbound events queued to connections, by type.",
		}, []string{"type"}),
		sendOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "send_queue_overflows_total",
			Help:      "Outbound events rejected because a connection's queue was full or closed.",
		}),
		storageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "storage_errors_total",
			Help:      "Storage collaborator failures by operation.",
		}, []string{"op"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairpad",
			Name:      "collaboration_requests_total",
			Help:      "Collaboration request transitions by resulting status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) EventReceived(kind string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped(reason string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Delivered(kind string, n int) {
	if m != nil && n > 0 {
		m.delivered.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) SendOverflow() {
	if m != nil {
		m.sendOverflows.Inc()
	}
}

func (m *Metrics) StorageError(op string) {
	if m != nil {
		m.storageErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RequestTransition(status string) {
	if m != nil {
		m.requests.WithLabelValues(status).Inc()
	}
}
