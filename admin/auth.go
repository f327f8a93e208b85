package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the operator API with a static token compared in
// constant time. An empty configured token disables the API entirely
// rather than leaving it open.
func BearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				http.Error(w, "admin api disabled", http.StatusForbidden)
				return
			}
			header := r.Header.Get("Authorization")
			supplied, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(supplied)), expected) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
