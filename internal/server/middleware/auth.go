package middleware

import (
	"net/http"
	"strings"
)

// KeyVerifier checks presented API keys against stored credentials. It is
// satisfied by crypto.APIKeyGuard.
type KeyVerifier interface {
	Enabled() bool
	Verify(key string) bool
}

// SolverAuth returns middleware that gates an endpoint behind an API key.
// The key is read from the Authorization header (Bearer scheme) or from
// X-API-Key. When the verifier is disabled all requests pass through.
func SolverAuth(guard KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := extractKey(r)
			if key == "" {
				writeUnauthorized(w, "missing API key")
				return
			}

			if !guard.Verify(key) {
				writeUnauthorized(w, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractKey looks for a key in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with the standard error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"errorType":"Unauthorized","description":"` + msg + `"}`))
}
