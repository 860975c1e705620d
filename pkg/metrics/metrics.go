// Package metrics holds the Prometheus collectors for the dispatch pipeline.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realm"

type Metrics struct {
	registry *prometheus.Registry

	webhookRequests  *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	outboundTotal    *prometheus.CounterVec
	outboundAttempts *prometheus.HistogramVec
	rateLimitWait    prometheus.Histogram
	storeErrors      *prometheus.CounterVec
	inflight         prometheus.Gauge
	queueDepth       prometheus.Gauge
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry:         registry,
		webhookRequests:  newCounterVec("webhook", "requests_total", "Webhook requests by response status.", []string{"status"}),
		dispatchTotal:    newCounterVec("dispatch", "events_total", "Dispatched events by match kind and outcome.", []string{"match", "outcome"}),
		dispatchDuration: newHistogramVec("dispatch", "duration_seconds", "Time spent dispatching one event.", prometheus.DefBuckets, []string{"outcome"}),
		outboundTotal:    newCounterVec("outbound", "actions_total", "Outbound actions by target, kind and outcome.", []string{"target", "kind", "outcome"}),
		outboundAttempts: newHistogramVec("outbound", "attempts", "Attempts needed per outbound action.", []float64{1, 2, 3, 5, 8}, []string{"target"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time actions spent queued behind the rate limiter.",
			Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		storeErrors: newCounterVec("store", "errors_total", "Persistence failures by operation.", []string{"op"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "inflight",
			Help:      "Dispatches currently running.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Inbound events waiting for a worker.",
		}),
	}

	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookRequests,
		m.dispatchTotal,
		m.dispatchDuration,
		m.outboundTotal,
		m.outboundAttempts,
		m.rateLimitWait,
		m.storeErrors,
		m.inflight,
		m.queueDepth,
	}
	for _, c := range all {
		if err := registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}

	return m.registry
}

func (m *Metrics) WebhookRequest(status int) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(http.StatusText(status)).Inc()
}

func (m *Metrics) Dispatched(match string, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if match == "" {
		match = "none"
	}
	m.dispatchTotal.WithLabelValues(match, outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) Outbound(target string, kind string, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(target, kind, outcome).Inc()
	m.outboundAttempts.WithLabelValues(target).Observe(float64(attempts))
}

func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
