package trigger

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// withTracing starts a server span per request, continuing any trace the
// sender propagated. Spans are named by route so unknown paths share one name.
func (s *Server) withTracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "trigger",
		otelhttp.WithTracerProvider(s.tracerProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + s.metrics.routeLabel(r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}
