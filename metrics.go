package spanz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "spanz"

// Drop reasons reported on spanz_buffer_spans_dropped_total.
const (
	dropUntraceable = "untraceable"
	dropCapacity    = "capacity"
	dropDeactivated = "deactivated"
)

// metrics holds every collector owned by one tracer.
type metrics struct {
	spansStarted  *prometheus.CounterVec
	spansEnqueued prometheus.Counter
	spansDropped  *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	buffered      prometheus.Gauge
	units         prometheus.Gauge
}

// newMetrics registers collectors with reg. A nil reg leaves them unregistered,
// which lets many tracers coexist in tests.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		spansStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "spans_started_total",
				Help:      "Total number of spans started, by kind",
			},
			[]string{"kind"},
		),
		spansEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "buffer",
				Name:      "spans_enqueued_total",
				Help:      "Total number of finished spans accepted by the transmission buffer",
			},
		),
		spansDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "buffer",
				Name:      "spans_dropped_total",
				Help:      "Total number of spans dropped, by reason",
			},
			[]string{"reason"},
		),
		flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "buffer",
				Name:      "flushes_total",
				Help:      "Total number of batches handed to the sink, by result",
			},
			[]string{"result"},
		),
		buffered: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "buffer",
				Name:      "spans",
				Help:      "Number of spans currently buffered",
			},
		),
		units: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "tracker",
				Name:      "units",
				Help:      "Number of live asynchronous units tracked",
			},
		),
	}
}
