package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recovery returns a middleware that recovers from panics and logs the error.
func Recovery() func(http.Handler) http.Handler {
	return RecoveryWithLogger(log.Logger)
}

// RecoveryWithLogger returns a middleware that recovers from panics using a custom logger.
func RecoveryWithLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}

					logger.Error().
						Interface("panic", p).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("remote_addr", r.RemoteAddr).
						Bytes("stack", debug.Stack()).
						Msg("Panic recovered")

					types.WriteHTTPError(w, types.NewHTTPError(http.StatusInternalServerError,
						"Internal Server Error", fmt.Errorf("panic: %v", p)))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
