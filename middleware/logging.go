// Package middleware provides the HTTP middleware of the impersonate server.
package middleware

import (
	"net/http"
	"time"

	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog"
)

// Identifier tells who sent a request, from the session alone.
type Identifier interface {
	Identify(r *http.Request) (userID string, imp *types.ImpersonationState)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging returns a middleware that logs HTTP requests using zerolog.
// Requests made while impersonating carry the impersonator and session key.
// id may be nil.
func Logging(logger zerolog.Logger, id Identifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var userID string
			var imp *types.ImpersonationState
			if id != nil {
				userID, imp = id.Identify(r)
			}

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			var event *zerolog.Event
			switch {
			case wrapped.statusCode >= 500:
				event = logger.Error()
			case wrapped.statusCode >= 400:
				event = logger.Warn()
			default:
				event = logger.Debug()
			}

			if userID != "" {
				event = event.Str("user_id", userID)
			}
			if imp != nil {
				event = event.
					Str("impersonator_id", imp.OriginalAdminID.String()).
					Str("impersonation_session", imp.SessionKey)
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Msg("HTTP request")
		})
	}
}
