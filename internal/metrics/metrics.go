// Package metrics exposes Prometheus collectors for pipeline lifecycle and
// engine activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hub"

// Metrics holds the hub's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	engineCalls    *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec
	hookEvents     *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_transitions_total",
			Help:      "Pipeline records written, by resulting status.",
		}, []string{"status"}),
		engineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Execution engine invocations, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		engineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_call_duration_seconds",
			Help:      "Wall time of execution engine invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"verb"}),
		hookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_hook_events_total",
			Help:      "Task start events handled by the scheduler, by outcome.",
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Task start events waiting for a worker.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PipelineTransition counts a pipeline record written with status.
func (m *Metrics) PipelineTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// EngineCall records one engine invocation.
func (m *Metrics) EngineCall(verb string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.engineCalls.WithLabelValues(verb, outcome).Inc()
	m.engineDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// HookEvent counts a scheduler outcome ("dispatched", "failed", "dropped").
func (m *Metrics) HookEvent(outcome string) {
	if m == nil {
		return
	}
	m.hookEvents.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the scheduler backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// HTTPRequest counts a served request.
func (m *Metrics) HTTPRequest(method, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
}
