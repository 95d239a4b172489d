package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
)

// HeaderServiceToken authenticates internal service-to-service calls.
const HeaderServiceToken = "X-Service-Token"

// ServiceAuth validates the shared service token on every request. An
// empty configured token disables the check (development only).
func ServiceAuth(token string) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[AUTH] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get(HeaderServiceToken)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.Printf("🚫 Rejected %s %s: invalid service token", r.Method, r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"errorCode":"SIGNATURE_INVALID","message":"invalid service token"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
