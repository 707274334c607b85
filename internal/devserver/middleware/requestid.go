package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"computecannon/internal/logger"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an ID, taken from the client when it
// sends one, and logs the request once it is served.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := logger.WithRequestID(r.Context(), id)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.FromContext(ctx, base).Debug("request served",
				"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}
