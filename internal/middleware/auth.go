package middleware

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-session-broker/internal/util"
)

// OpsAuthMiddleware guards the operator endpoints with a single bearer token
// whose bcrypt hash comes from configuration.
type OpsAuthMiddleware struct {
	tokenHash string
	// sha256 of the last token that passed bcrypt, so repeat requests skip it.
	accepted atomic.Pointer[string]
}

// NewOpsAuthMiddleware returns nil when tokenHash is empty; a nil middleware
// lets every request through.
func NewOpsAuthMiddleware(tokenHash string) *OpsAuthMiddleware {
	if tokenHash == "" {
		return nil
	}
	return &OpsAuthMiddleware{tokenHash: tokenHash}
}

func (m *OpsAuthMiddleware) Handler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !m.verify(token) {
			log.Warn().Str("path", r.URL.Path).Msg("ops auth: invalid token attempt")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *OpsAuthMiddleware) verify(token string) bool {
	digest := util.HashToken(token)
	if last := m.accepted.Load(); last != nil && util.ConstantTimeEqual(*last, digest) {
		return true
	}
	if !util.CheckSecretHash(token, m.tokenHash) {
		return false
	}
	m.accepted.Store(&digest)
	return true
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
