package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Command("CMD_READ", "STATUS_OK", time.Now())
	m.Command("CMD_READ", "STATUS_OK", time.Time{})
	m.Command("CMD_WRITE", "STATUS_TIMEOUT", time.Now())
	m.Timeout()
	m.Eviction()
	m.Report()
	m.ActiveGauge().Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("CMD_READ", "STATUS_OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reports))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscriptions))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Command("CMD_READ", "STATUS_OK", time.Now())
		m.Timeout()
		m.Eviction()
		m.Report()
	})
	assert.Nil(t, m.ActiveGauge())
}
