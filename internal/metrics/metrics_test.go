package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.EventReceived("code_change")
	m.EventDropped("unauthenticated")
	m.Delivered("code_change", 3)
	m.Delivered("code_change", 0)
	m.SendOverflow()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("code_change")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("unauthenticated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.delivered.WithLabelValues("code_change")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendOverflows))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.EventReceived("x")
		m.Delivered("x", 1)
		m.StorageError("update_file")
		m.RequestTransition("accepted")
	})
}
