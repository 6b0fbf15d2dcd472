package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/statusboard/internal/audit"
	"github.com/basket/statusboard/internal/config"
)

type authContextKey struct{}

// Paths reachable without an API key. The live channel carries identifiers
// only, and viewers authenticate to the dashboard through other means.
var authExemptPaths = map[string]bool{
	"/healthz": true,
	"/api/ws":  true,
}

// AuthMiddleware validates API keys on /api routes. Read-only keys may only
// issue safe methods.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
	audit   *audit.Log
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		keys:    append([]config.APIKeyEntry(nil), cfg.Keys...),
		enabled: cfg.Enabled,
	}
}

// WithAudit records every rejected request in log.
func (am *AuthMiddleware) WithAudit(log *audit.Log) *AuthMiddleware {
	am.audit = log
	return am
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExemptPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			am.deny(w, r, http.StatusUnauthorized, "missing API key", "")
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			am.deny(w, r, http.StatusForbidden, "invalid API key", "")
			return
		}
		if entry.ReadOnly && !isSafeMethod(r.Method) {
			am.deny(w, r, http.StatusForbidden, "API key is read-only", entry.Name)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) deny(w http.ResponseWriter, r *http.Request, status int, reason, actor string) {
	am.audit.Record(audit.Entry{
		Decision: audit.DecisionDeny,
		Action:   r.Method + " " + r.URL.Path,
		Actor:    actor,
		Reason:   reason,
		TraceID:  r.Header.Get("X-Request-ID"),
	})
	writeError(w, status, reason)
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, X-API-Key,
// and the api_key query parameter (for EventSource clients that cannot set headers).
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares against every key in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	var found *config.APIKeyEntry
	for i := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.keys[i].Key)) == 1 && found == nil {
			found = &am.keys[i]
		}
	}
	return found, found != nil
}

// KeyEntryFromContext returns the authenticated key entry, or nil when auth is off.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
