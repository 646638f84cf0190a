package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/pkg/logging"
)

// RequestLogger emits structured logs for every HTTP request. Only method,
// path, and timing are logged; query strings and bodies may carry patient
// identifiers and never reach the log.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			next.ServeHTTP(w, r)
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", reqID,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
