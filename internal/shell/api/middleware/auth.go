// Package middleware provides HTTP middleware for the shipline API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// HeaderSecret carries the shared secret on API requests. EventBridge API
// destinations send it as an API key header.
const HeaderSecret = "X-Shipline-Secret"

// =============================================================================
// Secret Configuration
// =============================================================================

// SecretConfig holds configuration for the shared secret middleware.
type SecretConfig struct {
	// Secret is compared against HeaderSecret. If empty, every request passes.
	Secret string

	// Logger for rejected requests.
	Logger *slog.Logger
}

// =============================================================================
// Secret Middleware
// =============================================================================

// SecretMiddleware rejects requests that do not carry the shared secret.
type SecretMiddleware struct {
	config SecretConfig
}

// NewSecretMiddleware creates a new shared secret middleware.
func NewSecretMiddleware(cfg SecretConfig) *SecretMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SecretMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *SecretMiddleware) Handler(next http.Handler) http.Handler {
	if m.config.Secret == "" {
		return next
	}
	want := []byte(m.config.Secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(HeaderSecret))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			m.config.Logger.Warn("invalid shared secret",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusForbidden, "invalid shared secret", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
