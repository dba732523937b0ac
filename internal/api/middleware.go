/**
 * @description
 * This file contains custom middleware for the HTTP router. The payroll API
 * is an internal service-to-service surface, so authentication is a shared
 * internal key rather than end-user tokens.
 *
 * @dependencies
 * - crypto/subtle, net/http: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

// internalAPIKeyHeader carries the shared key on service-to-service calls.
const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuthMiddleware validates the shared internal API key. The
// comparison is constant-time so response timing leaks nothing about the
// configured key.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "internal API key is not configured", http.StatusServiceUnavailable)
				return
			}

			supplied := r.Header.Get(internalAPIKeyHeader)
			if supplied == "" {
				http.Error(w, "missing internal API key", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(apiKey)) != 1 {
				http.Error(w, "invalid internal API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
