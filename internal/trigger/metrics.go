package trigger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/greyflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry          *prometheus.Registry
	eventsPath        string
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	notifications     *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
}

func newMetrics(registry *prometheus.Registry, eventsPath string) *metrics {
	if registry == nil {
		registry = telemetry.NewRegistry()
	}

	m := &metrics{
		registry:   registry,
		eventsPath: eventsPath,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyflow_trigger_requests_total",
			Help: "Total HTTP requests handled by the trigger.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "greyflow_trigger_request_duration_seconds",
			Help:    "Trigger request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyflow_trigger_notifications_total",
			Help: "Notifications seen by the trigger by result.",
		}, []string{"result"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greyflow_trigger_rate_limit_rejections_total",
			Help: "Deliveries rejected by rate limiting, by event source.",
		}, []string{"source"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.notifications,
		m.rateLimitRejected,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return telemetry.MetricsHandler(m.registry)
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := m.routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (m *metrics) routeLabel(path string) string {
	switch path {
	case m.eventsPath, "/healthz", "/metrics":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
