// Package metrics exports the figures of completed units of work as
// Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/flowlog/pkg/domain"
	"github.com/polisai/flowlog/pkg/telemetry"
)

// Metrics holds the Prometheus collectors of the emitter.
type Metrics struct {
	// Unit of work metrics
	completedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	execDuration   *prometheus.HistogramVec
	unaccounted    *prometheus.HistogramVec

	// Message metrics
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	envelopeWire     *prometheus.HistogramVec

	// Flow metrics
	endpointsCompleted *prometheus.CounterVec
	flowsCompleted     *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ telemetry.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		completedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_completed_total",
				Help: "Total number of completed initiations and stage processings",
			},
			[]string{"kind", "name", "result"},
		),

		failedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_failed_total",
				Help: "Total number of initiations and stage processings that raised",
			},
			[]string{"kind", "name"},
		),

		execDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowlog_exec_duration_seconds",
				Help:    "Total execution time of a unit of work in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "name"},
		),

		unaccounted: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowlog_exec_unaccounted_seconds",
				Help:    "Absolute execution time not accounted for by the measured pieces",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{"kind"},
		),

		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_messages_sent_total",
				Help: "Total number of outgoing messages put on the wire",
			},
			[]string{"dispatch_type", "message_type"},
		),

		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_messages_received_total",
				Help: "Total number of messages received on stages",
			},
			[]string{"stage", "message_type"},
		),

		envelopeWire: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowlog_envelope_wire_bytes",
				Help:    "Size of outgoing envelopes on the wire",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"dispatch_type"},
		),

		endpointsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_endpoints_completed_total",
				Help: "Total number of stage processings that completed their endpoint",
			},
			[]string{"stage"},
		),

		flowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_flows_completed_total",
				Help: "Total number of stage processings that completed their flow",
			},
			[]string{"stage"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowlog_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowlog_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.completedTotal,
		m.failedTotal,
		m.execDuration,
		m.unaccounted,
		m.messagesSent,
		m.messagesReceived,
		m.envelopeWire,
		m.endpointsCompleted,
		m.flowsCompleted,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

func unitName(ev *domain.CompletionEvent) string {
	if ev.Kind == domain.KindInitiation {
		return ev.InitiatorName
	}
	return ev.StageID
}

// RecordCompletion records a completed unit of work and the messages it sent.
func (m *Metrics) RecordCompletion(_ context.Context, ev *domain.CompletionEvent, b telemetry.Breakdown, _ int) {
	kind, name := string(ev.Kind), unitName(ev)

	m.completedTotal.WithLabelValues(kind, name, string(ev.Result)).Inc()
	m.execDuration.WithLabelValues(kind, name).Observe(time.Duration(ev.TotalNanos).Seconds())

	diff := b.Diff
	if diff < 0 {
		diff = -diff
	}
	m.unaccounted.WithLabelValues(kind).Observe(time.Duration(diff).Seconds())

	if ev.Failed() {
		m.failedTotal.WithLabelValues(kind, name).Inc()
		return
	}

	for _, msg := range ev.Outgoing {
		m.messagesSent.WithLabelValues(string(msg.DispatchType), string(msg.MessageType)).Inc()
		m.envelopeWire.WithLabelValues(string(msg.DispatchType)).Observe(float64(msg.EnvelopeWireSize))
	}

	if ev.Kind != domain.KindStage {
		return
	}
	endpoint, flow := telemetry.ClassifyCompletion(ev.Result)
	if endpoint {
		m.endpointsCompleted.WithLabelValues(name).Inc()
	}
	if flow {
		m.flowsCompleted.WithLabelValues(name).Inc()
	}
}

// RecordReceived records a message received on a stage.
func (m *Metrics) RecordReceived(_ context.Context, ev *domain.ReceivedEvent) {
	m.messagesReceived.WithLabelValues(ev.StageID, string(ev.IncomingMessageType)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records the count and duration of the requests served by next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
