package trigger

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// admit charges one token per notification against the sender's bucket.
// Limiter errors fail open.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, source string, n int) bool {
	if s.rateLimiter == nil || n == 0 {
		return true
	}

	decision, err := s.rateLimiter.AllowN(r.Context(), source, n)
	if err != nil {
		s.logger.Warn("rate limiter check failed", zap.String("source", source), zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(source).Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": "rate limit exceeded",
	})
	return false
}
