// Package metrics holds the adapter's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opcua_adapter"

// Metrics is the adapter collector set. A nil *Metrics records nothing.
type Metrics struct {
	Commands      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Timeouts      prometheus.Counter
	Evictions     prometheus.Counter
	Subscriptions prometheus.Gauge
	Reports       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands completed, labeled by command and result code.",
		}, []string{"command", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from acceptance to completion of a command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Commands that did not complete within their request timeout.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuation_evictions_total",
			Help:      "Continuation points evicted from a full registry.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Monitored items currently active.",
		}),
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Data change reports delivered.",
		}),
	}
	reg.MustRegister(m.Commands, m.Duration, m.Timeouts, m.Evictions, m.Subscriptions, m.Reports)
	return m
}

// Command counts one completed command.
func (m *Metrics) Command(cmd, result string, since time.Time) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmd, result).Inc()
	if !since.IsZero() {
		m.Duration.WithLabelValues(cmd).Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) Timeout() {
	if m != nil {
		m.Timeouts.Inc()
	}
}

func (m *Metrics) Eviction() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) Report() {
	if m != nil {
		m.Reports.Inc()
	}
}

// ActiveGauge returns the subscription gauge, or nil when m is nil.
func (m *Metrics) ActiveGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.Subscriptions
}
