package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/apikeys"
	"github.com/audrey/textai-server/internal/auth"
	"github.com/audrey/textai-server/internal/config"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/gateway"
	"github.com/audrey/textai-server/internal/history"
	"github.com/audrey/textai-server/internal/ratelimit"
	"github.com/audrey/textai-server/internal/store"
)

// stubEngine echoes the payload for every configured tool.
type stubEngine struct {
	tools []string
}

func (e *stubEngine) Infer(ctx context.Context, req engine.InferRequest) (*engine.Result, error) {
	return &engine.Result{Tool: req.Tool, Output: map[string]any{"echo": req.Payload}}, nil
}

func (e *stubEngine) Tools() []string { return e.tools }

func (e *stubEngine) Supports(tool string) bool {
	for _, t := range e.tools {
		if t == tool {
			return true
		}
	}
	return false
}

type testServer struct {
	*httptest.Server
	accounts *accounts.Service
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.SecretKey = "test-secret"
	cfg.Auth.AdminUsername = "admin"
	cfg.Auth.AdminPassword = "super-secret-1"
	cfg.Auth.PasswordHashCost = bcrypt.MinCost
	cfg.RateLimits.Guest = 2
	cfg.RateLimits.User = 5
	cfg.RateLimits.BurstPerSecond = 0
	if mutate != nil {
		mutate(cfg)
	}

	s := store.NewMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accountSvc, err := accounts.NewService(s, cfg.Auth.PasswordHashCost)
	require.NoError(t, err)
	require.NoError(t, accountSvc.EnsureAdmin(context.Background(), cfg.Auth.AdminUsername, cfg.Auth.AdminPassword))

	keyRegistry := apikeys.NewRegistry(s, cfg.Auth.KeyRetentionDays)
	sessions := auth.NewSessions(cfg.Auth.SecretKey, cfg.Auth.SessionTimeout)
	limiter := ratelimit.NewLimiter(s, cfg.RateLimits)
	ledger := history.NewLedger(s, logger, cfg.History.MaxEntries)
	eng := &stubEngine{tools: cfg.Engine.Tools}
	gw := gateway.New(limiter, eng, ledger, logger, cfg.History.RecordDenied)

	handler := SetupRoutes(cfg, accountSvc, keyRegistry, sessions, gw, ledger, eng, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{Server: server, accounts: accountSvc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

// login returns a Bearer header for the given credentials.
func (ts *testServer) login(t *testing.T, username, password string) map[string]string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": password}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (ts *testServer) registerAndLogin(t *testing.T, username string) map[string]string {
	t.Helper()
	resp, _ := ts.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"username": username, "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return ts.login(t, username, "correct-horse")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListTools(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/api/tools", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tools"], 4)
}

func TestGuestInvoke(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/tools/sentiment",
		map[string]string{"payload": "great product"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := body["result"].(map[string]any)
	assert.Equal(t, "great product", result["output"].(map[string]any)["echo"])

	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestGuestQuotaExceeded(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := map[string]string{"payload": "x"}

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/tools/sentiment", payload, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/tools/sentiment", payload, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestGuestsAreKeyedPerSource(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := map[string]string{"payload": "x"}

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/tools/sentiment", payload,
			map[string]string{"X-Forwarded-For": "10.0.0.1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := ts.do(t, http.MethodPost, "/api/tools/sentiment", payload,
		map[string]string{"X-Forwarded-For": "10.0.0.1"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different source address has its own bucket.
	resp, _ = ts.do(t, http.MethodPost, "/api/tools/sentiment", payload,
		map[string]string{"X-Forwarded-For": "10.0.0.2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvokeValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/tools/sentiment",
		map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MISSING_PARAMETER", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/tools/no_such_tool",
		map[string]string{"payload": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PARAMETER", body["code"])
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"username": "alice", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "user", body["tier"])
	assert.NotContains(t, body, "password_hash")

	resp, body = ts.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"username": "alice", "password": "correct-horse"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_USERNAME", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"username": "bob", "password": "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "WEAK_PASSWORD", body["code"])
}

func TestRegisterWhenSignupDisabled(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.AllowSignup = false
	})

	resp, body := ts.do(t, http.MethodPost, "/api/auth/register",
		map[string]string{"username": "alice", "password": "correct-horse"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "SIGNUP_DISABLED", body["code"])
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registerAndLogin(t, "alice")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "alice", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "nobody", "password": "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
}

func TestWhoami(t *testing.T) {
	ts := newTestServer(t, nil)

	// Anonymous callers see their guest identity.
	resp, body := ts.do(t, http.MethodGet, "/api/auth/me", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["anonymous"])
	assert.Equal(t, "guest", body["tier"])

	headers := ts.registerAndLogin(t, "alice")
	resp, body = ts.do(t, http.MethodGet, "/api/auth/me", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "user", body["tier"])
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	// Guests cannot issue keys.
	resp, body := ts.do(t, http.MethodPost, "/api/keys", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_API_KEY", body["code"])

	headers := ts.registerAndLogin(t, "alice")

	resp, body = ts.do(t, http.MethodPost, "/api/keys", nil, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plaintext, _ := body["api_key"].(string)
	require.NotEmpty(t, plaintext)
	keyID := body["key"].(map[string]any)["id"].(string)

	// The key authenticates tool calls as alice (user tier, limit 5).
	keyHeader := map[string]string{"X-API-Key": plaintext}
	resp, _ = ts.do(t, http.MethodPost, "/api/tools/sentiment",
		map[string]string{"payload": "x"}, keyHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))

	resp, body = ts.do(t, http.MethodGet, "/api/keys", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := body["keys"].([]any)
	require.Len(t, keys, 1)
	// Only metadata is listed, never the secret or its hash.
	assert.NotContains(t, keys[0].(map[string]any), "key_hash")

	resp, _ = ts.do(t, http.MethodDelete, "/api/keys/"+keyID, nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/tools/sentiment",
		map[string]string{"payload": "x"}, keyHeader)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestRevokeSomeoneElsesKey(t *testing.T) {
	ts := newTestServer(t, nil)

	aliceHeaders := ts.registerAndLogin(t, "alice")
	resp, body := ts.do(t, http.MethodPost, "/api/keys", nil, aliceHeaders)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	keyID := body["key"].(map[string]any)["id"].(string)

	bobHeaders := ts.registerAndLogin(t, "bob")
	resp, body = ts.do(t, http.MethodDelete, "/api/keys/"+keyID, nil, bobHeaders)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	// Admins can revoke any key.
	adminHeaders := ts.login(t, "admin", "super-secret-1")
	resp, _ = ts.do(t, http.MethodDelete, "/api/keys/"+keyID, nil, adminHeaders)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidAPIKeyIsRejectedNotDowngraded(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/api/tools/sentiment",
		map[string]string{"payload": "x"},
		map[string]string{"X-API-Key": "sk_bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_API_KEY", body["code"])
}

func TestUsageEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	headers := ts.registerAndLogin(t, "alice")

	for i := 0; i < 3; i++ {
		resp, _ := ts.do(t, http.MethodPost, "/api/tools/sentiment",
			map[string]string{"payload": fmt.Sprintf("payload %d", i)}, headers)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/usage?limit=2", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, "sentiment", first["tool"])
	assert.Equal(t, "alice", first["identity"])
	// The raw payload is not retained.
	assert.NotContains(t, first, "payload")

	resp, body = ts.do(t, http.MethodGet, "/api/usage/stats", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["total_queries"])
	assert.Equal(t, "sentiment", body["most_used_tool"])

	resp, body = ts.do(t, http.MethodGet, "/api/usage/quota", nil, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["limit"])
	assert.Equal(t, float64(2), body["remaining"])
	assert.Equal(t, "user", body["tier"])
}

func TestChangePassword(t *testing.T) {
	ts := newTestServer(t, nil)
	headers := ts.registerAndLogin(t, "alice")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/password",
		map[string]string{"old_password": "wrong", "new_password": "brand-new-pass"}, headers)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/password",
		map[string]string{"old_password": "correct-horse", "new_password": "brand-new-pass"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts.login(t, "alice", "brand-new-pass")
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	headers := ts.registerAndLogin(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/api/admin/users", nil, headers)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	// Guests are rejected before the admin check.
	resp, body = ts.do(t, http.MethodGet, "/api/admin/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MISSING_API_KEY", body["code"])
}

func TestAdminUserManagement(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registerAndLogin(t, "alice")
	adminHeaders := ts.login(t, "admin", "super-secret-1")

	resp, body := ts.do(t, http.MethodGet, "/api/admin/users", nil, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := body["users"].([]any)
	require.Len(t, users, 2)

	resp, body = ts.do(t, http.MethodPut, "/api/admin/users/alice/tier",
		map[string]string{"tier": "pro"}, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pro", body["tier"])

	resp, body = ts.do(t, http.MethodPut, "/api/admin/users/alice/tier",
		map[string]string{"tier": "platinum"}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PARAMETER", body["code"])

	resp, body = ts.do(t, http.MethodPut, "/api/admin/users/nobody/tier",
		map[string]string{"tier": "pro"}, adminHeaders)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/admin/users/alice/disable", nil, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Disabled accounts can no longer log in.
	resp, body = ts.do(t, http.MethodPost, "/api/auth/login",
		map[string]string{"username": "alice", "password": "correct-horse"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
}

func TestAdminGlobalStats(t *testing.T) {
	ts := newTestServer(t, nil)
	headers := ts.registerAndLogin(t, "alice")

	resp, _ := ts.do(t, http.MethodPost, "/api/tools/summarize",
		map[string]string{"payload": "x"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	adminHeaders := ts.login(t, "admin", "super-secret-1")
	resp, body := ts.do(t, http.MethodGet, "/api/admin/stats", nil, adminHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	analytics := body["analytics"].(map[string]any)
	assert.Equal(t, float64(1), analytics["total_queries"])
	assert.Equal(t, float64(1), body["identities"])
}
