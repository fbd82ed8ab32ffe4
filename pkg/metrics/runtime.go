package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// RuntimeMetrics exports runtime loop metrics. A nil *RuntimeMetrics is
// valid and records nothing.
type RuntimeMetrics struct {
	registry       *prometheus.Registry
	invocations    *prometheus.CounterVec
	duration       prometheus.Histogram
	protocolErrors *prometheus.CounterVec
	lastInvocation prometheus.Gauge
	up             prometheus.Gauge
}

// New creates runtime metrics on a private registry, labelled with the
// function name.
func New(functionName string) *RuntimeMetrics {
	labels := prometheus.Labels{"function": functionName}
	m := &RuntimeMetrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lambdart",
			Name:        "invocations_total",
			Help:        "Invocations handled by the runtime, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "lambdart",
			Name:        "invocation_duration_seconds",
			Help:        "Time from receiving an invocation to reporting its outcome",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lambdart",
			Name:        "protocol_errors_total",
			Help:        "Failed Runtime API calls, by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		lastInvocation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "lambdart",
			Name:        "last_invocation_timestamp_seconds",
			Help:        "Unix time of the last completed invocation",
			ConstLabels: labels,
		}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "lambdart",
			Name:        "loop_running",
			Help:        "1 while the invocation loop is running",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.protocolErrors,
		m.lastInvocation,
		m.up,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveInvocation records one finished invocation
func (m *RuntimeMetrics) ObserveInvocation(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
	m.lastInvocation.SetToCurrentTime()
}

// ProtocolError records a failed Runtime API call
func (m *RuntimeMetrics) ProtocolError(operation string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(operation).Inc()
}

// SetRunning flags whether the loop is running
func (m *RuntimeMetrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.up.Set(1)
	} else {
		m.up.Set(0)
	}
}

// Registry exposes the underlying registry
func (m *RuntimeMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *RuntimeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
