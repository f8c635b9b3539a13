// Package metrics exposes routing-layer metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bufala/bufala-llm/pkg/api"
)

const namespace = "bufala"

// Metrics holds all collectors on a dedicated registry, so several cores
// (or tests) never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	parseFailures prometheus.Counter
	underspec     prometheus.Counter
	ceilingTrips  prometheus.Counter

	runtimeReachable prometheus.Gauge
	inProcessModels  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: context, criticality
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by resolved context and criticality",
		}, []string{"context", "criticality"}),

		// Labels: model, method, outcome
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Execution attempts by model, method and outcome",
		}, []string{"model", "method", "outcome"}),

		// Labels: method (runtime, in_process, canned), fallback
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses by producing method",
		}, []string{"method", "fallback"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		}, []string{"method"}),

		parseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "json_parse_failures_total",
			Help:      "JSON responses that could not be repaired",
		}),

		underspec: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_underspec_total",
			Help:      "Responses produced by a model rated below the request criticality",
		}),

		ceilingTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ceiling_trips_total",
			Help:      "Requests cancelled by the hard ceiling",
		}),

		runtimeReachable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_reachable",
			Help:      "1 when the local LLM runtime answered its last probe",
		}),

		inProcessModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_process_models_loaded",
			Help:      "Models resident in this process",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the dedicated registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveResponse records a finished request and every attempt it made.
func (m *Metrics) ObserveResponse(resp *api.Response) {
	md := resp.Metadata
	m.requests.WithLabelValues(string(md.Context), md.Criticality.String()).Inc()
	m.responses.WithLabelValues(string(md.Method), strconv.FormatBool(md.Fallback)).Inc()
	m.duration.WithLabelValues(string(md.Method)).Observe(float64(md.ElapsedMS) / 1000)
	for _, a := range md.Attempts {
		method := string(a.Method)
		if method == "" {
			method = "none"
		}
		m.attempts.WithLabelValues(a.Model, method, string(a.Outcome)).Inc()
	}
	if md.ParseFailed {
		m.parseFailures.Inc()
	}
	if md.ForcedUnderspec {
		m.underspec.Inc()
	}
}

// CeilingTripped counts a watchdog cancellation.
func (m *Metrics) CeilingTripped(string) { m.ceilingTrips.Inc() }

// SetRuntimeReachable records the latest runtime probe.
func (m *Metrics) SetRuntimeReachable(ok bool) {
	if ok {
		m.runtimeReachable.Set(1)
	} else {
		m.runtimeReachable.Set(0)
	}
}

// SetInProcessModels records how many models are resident.
func (m *Metrics) SetInProcessModels(n int) { m.inProcessModels.Set(float64(n)) }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records per-route HTTP metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
