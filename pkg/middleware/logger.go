package middleware

import (
	"net/http"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a middleware that logs one entry per request and counts it
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				event := logger.Info()
				if status >= http.StatusInternalServerError {
					event = logger.Error()
				} else if r.URL.Path == "/health" {
					event = logger.Debug()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Msg("request completed")

				endpoint := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					endpoint = rctx.RoutePattern()
				}
				metrics.Get().RecordHTTPRequest(endpoint, status)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
