// Package telemetry exports coordinator metrics in Prometheus format
// (SPEC_FULL §3.5): batch size and flush latency, dispatcher turn
// latency and queue depth by invocation kind, ack latency and timeout
// rate, state-transition counts, and adapter reconnect attempts.
// Grounded on the teacher's Prometheus exporter shape (registry +
// Vec fields + MustRegister + promhttp handler).
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry owns the coordinator's Prometheus registry and metric
// families.
type Telemetry struct {
	registry *prometheus.Registry

	batchSize      prometheus.Histogram
	batchInterval  prometheus.Histogram
	turnLatency    *prometheus.HistogramVec
	turnTotal      *prometheus.CounterVec
	turnFailures   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	ackLatency     prometheus.Histogram
	ackTimeouts    prometheus.Counter
	transitions    *prometheus.CounterVec
	adapterRetries *prometheus.CounterVec
}

var defaultLatencyBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// New creates a Telemetry instance with a fresh registry.
func New() *Telemetry {
	registry := prometheus.NewRegistry()

	t := &Telemetry{registry: registry}

	t.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crawd",
		Subsystem: "batcher",
		Name:      "batch_size",
		Help:      "Number of chat messages per dispatched batch.",
		Buckets:   prometheus.LinearBuckets(1, 2, 10),
	})

	t.batchInterval = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crawd",
		Subsystem: "batcher",
		Name:      "flush_interval_seconds",
		Help:      "Time between successive batch dispatches.",
		Buckets:   defaultLatencyBuckets,
	})

	t.turnLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crawd",
		Subsystem: "dispatcher",
		Name:      "turn_latency_seconds",
		Help:      "Agent turn latency by invocation kind.",
		Buckets:   defaultLatencyBuckets,
	}, []string{"kind"})

	t.turnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawd",
		Subsystem: "dispatcher",
		Name:      "turns_total",
		Help:      "Total agent turns executed by kind and outcome.",
	}, []string{"kind", "outcome"})

	t.turnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawd",
		Subsystem: "dispatcher",
		Name:      "turn_failures_total",
		Help:      "Gateway transport failures absorbed by the dispatcher, by kind.",
	}, []string{"kind"})

	t.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crawd",
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "Number of invocations waiting in the dispatcher queue.",
	})

	t.ackLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crawd",
		Subsystem: "speech",
		Name:      "ack_latency_seconds",
		Help:      "Time from utterance emit to overlay ack (or timeout).",
		Buckets:   defaultLatencyBuckets,
	})

	t.ackTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crawd",
		Subsystem: "speech",
		Name:      "ack_timeouts_total",
		Help:      "Number of speech acks resolved by hard timeout, fail-open.",
	})

	t.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawd",
		Subsystem: "state",
		Name:      "transitions_total",
		Help:      "Autonomy state machine transitions by edge.",
	}, []string{"from", "to"})

	t.adapterRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawd",
		Subsystem: "chatbus",
		Name:      "adapter_reconnect_attempts_total",
		Help:      "Chat adapter reconnect attempts by platform.",
	}, []string{"platform"})

	registry.MustRegister(
		t.batchSize, t.batchInterval,
		t.turnLatency, t.turnTotal, t.turnFailures, t.queueDepth,
		t.ackLatency, t.ackTimeouts,
		t.transitions,
		t.adapterRetries,
	)

	return t
}

// ObserveBatch records one dispatched batch's size and, when sinceLast is
// non-zero, the interval since the previous dispatch.
func (t *Telemetry) ObserveBatch(size int, sinceLast time.Duration) {
	t.batchSize.Observe(float64(size))
	if sinceLast > 0 {
		t.batchInterval.Observe(sinceLast.Seconds())
	}
}

// ObserveTurn records a completed dispatcher invocation.
func (t *Telemetry) ObserveTurn(kind string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		t.turnFailures.WithLabelValues(kind).Inc()
	}
	t.turnTotal.WithLabelValues(kind, outcome).Inc()
	t.turnLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// SetQueueDepth reports the dispatcher's current queue depth.
func (t *Telemetry) SetQueueDepth(n int64) { t.queueDepth.Set(float64(n)) }

// ObserveAck records a speech-gate ack resolution; timedOut marks the
// fail-open path.
func (t *Telemetry) ObserveAck(latency time.Duration, timedOut bool) {
	t.ackLatency.Observe(latency.Seconds())
	if timedOut {
		t.ackTimeouts.Inc()
	}
}

// ObserveTransition records a state-machine edge.
func (t *Telemetry) ObserveTransition(from, to string) {
	t.transitions.WithLabelValues(from, to).Inc()
}

// ObserveAdapterRetry records one reconnect attempt for a chat adapter.
func (t *Telemetry) ObserveAdapterRetry(platform string) {
	t.adapterRetries.WithLabelValues(platform).Inc()
}

// Handler serves the registry in Prometheus text exposition format,
// for GET /metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
