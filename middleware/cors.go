package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to call the API with the
	// session cookie. "*" is ignored.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// MaxAge is the max age for preflight cache in seconds.
	MaxAge int
}

// NewCORSConfig returns the configuration for the admin console served from
// other origins, such as the frontend dev server.
func NewCORSConfig(origins []string) *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         86400,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// Credentials are always allowed, so only listed origins are echoed and a
// wildcard is dropped. With no allowed origins it passes requests through.
func CORS(cfg *CORSConfig) func(http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool)
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			log.Warn().Msg(`Ignoring "*" in CORS allowed origins, credentialed requests need explicit origins`)
			continue
		}
		allowedOrigins[strings.TrimSuffix(o, "/")] = true
	}

	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		if len(allowedOrigins) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin == "" || !allowedOrigins[origin] {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
