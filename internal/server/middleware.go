package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/auth"
	"github.com/dharsanguruparan/ihacdn/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

// requestLogger tags each request with an id, puts a request-scoped logger in
// the context and logs the outcome.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			logger := base.With().Str("request_id", id).Logger()
			r = r.WithContext(logger.WithContext(r.Context()))
			wrapped := metrics.NewStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			ev := logger.Info()
			switch {
			case wrapped.Status >= 500:
				ev = logger.Error()
			case wrapped.Status >= 400:
				ev = logger.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.Status).
				Int64("bytes", wrapped.Written).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request")
		})
	}
}

// cors allows any origin to read and upload.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderName)
		h.Set("Access-Control-Expose-Headers", requestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
