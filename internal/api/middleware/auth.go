package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/apikeys"
	"github.com/audrey/textai-server/internal/auth"
	"github.com/audrey/textai-server/internal/gateway"
)

type contextKey string

// PrincipalContextKey is the key for the resolved caller in request context
const PrincipalContextKey contextKey = "principal"

// Principal is the resolved caller plus the flags handlers gate on.
type Principal struct {
	gateway.Identity
	IsAdmin bool
}

// IdentityMiddleware resolves the caller from a session token or an
// X-API-Key header.
type IdentityMiddleware struct {
	accounts *accounts.Service
	keys     *apikeys.Registry
	sessions *auth.Sessions
}

// NewIdentityMiddleware creates the identity resolution middleware.
func NewIdentityMiddleware(a *accounts.Service, k *apikeys.Registry, s *auth.Sessions) *IdentityMiddleware {
	return &IdentityMiddleware{accounts: a, keys: k, sessions: s}
}

// Resolve attaches a Principal to every request. Callers presenting no
// credential become per-source guests; a presented credential that
// fails validation is rejected rather than downgraded.
func (m *IdentityMiddleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, errCode, status := m.resolve(r)
		if errCode != "" {
			respondError(w, status, errCode, errMessage(errCode))
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects guests. Used for endpoints that act on an
// account (key issuance, history, settings).
func (m *IdentityMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil || principal.Anonymous {
			respondError(w, http.StatusUnauthorized, codeMissingAPIKey,
				"authentication required: provide a session token or X-API-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin additionally checks the admin flag.
func (m *IdentityMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil || !principal.IsAdmin {
			respondError(w, http.StatusForbidden, codeInvalidCredentials, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *IdentityMiddleware) resolve(r *http.Request) (*Principal, string, int) {
	ctx := r.Context()

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		owner, err := m.keys.Validate(ctx, apiKey)
		if err != nil {
			if errors.Is(err, apikeys.ErrInvalidKey) || errors.Is(err, apikeys.ErrExpiredKey) {
				return nil, codeInvalidAPIKey, http.StatusUnauthorized
			}
			return nil, codeInternalError, http.StatusInternalServerError
		}
		return m.principalFor(ctx, owner)
	}

	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, codeInvalidCredentials, http.StatusUnauthorized
		}
		username, err := m.sessions.Verify(parts[1])
		if err != nil {
			return nil, codeInvalidCredentials, http.StatusUnauthorized
		}
		return m.principalFor(ctx, username)
	}

	guest := gateway.Anonymous(clientIP(r))
	return &Principal{Identity: guest}, "", 0
}

func (m *IdentityMiddleware) principalFor(ctx context.Context, username string) (*Principal, string, int) {
	account, err := m.accounts.Get(ctx, username)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, codeInvalidCredentials, http.StatusUnauthorized
		}
		return nil, codeInternalError, http.StatusInternalServerError
	}
	if account.Disabled {
		return nil, codeInvalidCredentials, http.StatusUnauthorized
	}

	return &Principal{
		Identity: gateway.Identity{Name: account.Username, Tier: account.Tier},
		IsAdmin:  account.IsAdmin,
	}, "", 0
}

// GetPrincipal retrieves the resolved caller from request context
func GetPrincipal(ctx context.Context) *Principal {
	principal, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return principal
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Error codes shared with the handlers package; the strings are part
// of the external interface.
const (
	codeMissingAPIKey      = "MISSING_API_KEY"
	codeInvalidAPIKey      = "INVALID_API_KEY"
	codeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeInternalError      = "INTERNAL_ERROR"
)

func errMessage(code string) string {
	switch code {
	case codeInvalidAPIKey:
		return "invalid or expired API key"
	case codeInvalidCredentials:
		return "invalid credentials"
	default:
		return "request failed"
	}
}

// respondError sends the standard error envelope
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
