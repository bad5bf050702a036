package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/eventgrid/azsystemevents"
	"github.com/dunamismax/greyflow/internal/domain"
	"github.com/dunamismax/greyflow/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// Dispatcher hands a notification to the pipeline, either inline or through
// the queue. A returned error means the delivery should be retried upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

type Options struct {
	Path           string
	Dispatcher     Dispatcher
	RateLimiter    ratelimit.Limiter
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
	// AllowedOrigin answers the webhook abuse protection handshake. Empty or
	// "*" echoes the requesting origin.
	AllowedOrigin string
}

type Server struct {
	path           string
	dispatcher     Dispatcher
	rateLimiter    ratelimit.Limiter
	metrics        *metrics
	tracerProvider trace.TracerProvider
	logger         *zap.Logger
	allowedOrigin  string
	mux            *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = "/events"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("trigger path must start with /: %q", path)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracerProvider := opts.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	origin := strings.TrimSpace(opts.AllowedOrigin)
	if origin == "" {
		origin = "*"
	}

	s := &Server{
		path:           path,
		dispatcher:     opts.Dispatcher,
		rateLimiter:    opts.RateLimiter,
		metrics:        newMetrics(opts.Registry, path),
		tracerProvider: tracerProvider,
		logger:         logger.Named("trigger"),
		allowedOrigin:  origin,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST "+s.path, s.handleEvents)
	s.mux.HandleFunc("OPTIONS "+s.path, s.handleValidation)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidation answers the CloudEvents webhook abuse protection
// handshake used by Event Grid and other CloudEvents senders.
func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("WebHook-Request-Origin")
	if origin == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("WebHook-Allowed-Origin", s.allowedOriginFor(origin))
	w.Header().Set("WebHook-Allowed-Rate", "*")
	w.Header().Set("Allow", "POST, OPTIONS")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) allowedOriginFor(origin string) string {
	if s.allowedOrigin == "*" {
		return origin
	}
	return s.allowedOrigin
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if len(body) > maxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	batch, err := Decode(r, body)
	if err != nil {
		s.logger.Warn("notification rejected", zap.Error(err))
		s.metrics.notifications.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if batch.ValidationCode != "" {
		s.logger.Info("event grid subscription validated")
		writeJSON(w, http.StatusOK, azsystemevents.SubscriptionValidationResponse{ValidationResponse: &batch.ValidationCode})
		return
	}

	if !s.admit(w, r, batch.Source, len(batch.Notifications)) {
		return
	}

	s.metrics.notifications.WithLabelValues("skipped").Add(float64(batch.Skipped))

	var failed int
	for _, n := range batch.Notifications {
		if err := s.dispatcher.Dispatch(r.Context(), n); err != nil {
			failed++
			s.metrics.notifications.WithLabelValues("failed").Inc()
			s.logger.Error("dispatch failed",
				zap.String("notification_id", n.ID),
				zap.String("source_url", n.SourceURL),
				zap.Error(err),
			)
			continue
		}
		s.metrics.notifications.WithLabelValues("dispatched").Inc()
	}

	if failed > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    "one or more notifications failed",
			"failed":   failed,
			"accepted": len(batch.Notifications) - failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": len(batch.Notifications),
		"skipped":  batch.Skipped,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
