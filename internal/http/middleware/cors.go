package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig controls the cross-origin headers emitted by the server.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the API. A single
	// "*" entry allows any origin.
	AllowedOrigins []string
	// AllowedMethods lists permitted HTTP methods.
	AllowedMethods []string
	// AllowedHeaders lists request headers the client may send.
	AllowedHeaders []string
	// ExposedHeaders lists response headers the client may read.
	ExposedHeaders []string
	// AllowCredentials permits cookies and authorization headers on
	// cross-origin requests. Incompatible with a "*" origin.
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig returns a permissive configuration suitable for
// development setups where the UI runs on a different port.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}
}

// CORSWithConfig returns a middleware applying the given CORS policy.
func CORSWithConfig(config CORSConfig) func(http.Handler) http.Handler {
	wildcard := len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*"
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")
	exposed := strings.Join(config.ExposedHeaders, ", ")

	originAllowed := func(origin string) bool {
		for _, o := range config.AllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origin) {
				if wildcard {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if exposed != "" {
					w.Header().Set("Access-Control-Expose-Headers", exposed)
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
