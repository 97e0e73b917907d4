package middleware

import (
	"net/http"

	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// ReadOnly rejects unsafe requests made while impersonating, so an
// impersonator can look but not change anything. Requests to the allowed
// paths, such as ending the impersonation, always pass.
func ReadOnly(id Identifier, allowed ...string) func(http.Handler) http.Handler {
	allow := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		allow[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) || allow[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if _, imp := id.Identify(r); imp != nil {
				log.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("impersonator_id", imp.OriginalAdminID.String()).
					Str("session_key", imp.SessionKey).
					Msg("Blocked write while impersonating in read-only mode")
				types.WriteHTTPError(w, types.NewHTTPError(http.StatusForbidden,
					"Impersonation is read-only", nil))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
