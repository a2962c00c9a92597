package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mediaforge/longform/internal/auth"
)

// RequireAuth extracts the calling principal and stores it on the
// request context for every route under pathPrefix. Requests without a
// valid bearer are rejected with 401 before reaching a handler.
func RequireAuth(serviceSecret, pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, pathPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := auth.Authenticate(r, serviceSecret)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"title":  "Unauthorized",
					"status": http.StatusUnauthorized,
					"detail": "missing or invalid bearer token",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}
