// Package middleware provides HTTP middleware for the sandbox API
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/R3E-Network/contract_gateway/internal/httputil"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
)

// APIKeyMiddleware guards state-changing requests with a shared key.
// Read-only methods pass through.
type APIKeyMiddleware struct {
	key       []byte
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAPIKeyMiddleware creates the middleware. An empty key disables the check.
func NewAPIKeyMiddleware(key string, log *logger.Logger, skipPaths []string) *APIKeyMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &APIKeyMiddleware{key: []byte(key), logger: log, skipPaths: skip}
}

// Handler returns the middleware handler
func (m *APIKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.key) == 0 || m.skipPaths[r.URL.Path] || safeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		got := []byte(r.Header.Get(httputil.APIKeyHeader))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, m.key) != 1 {
			m.logger.WithFields(map[string]interface{}{
				"path":     r.URL.Path,
				"method":   r.Method,
				"trace_id": GetTraceID(r.Context()),
			}).Warn("rejected request without a valid api key")
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
