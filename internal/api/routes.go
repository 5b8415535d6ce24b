package api

import (
	"log/slog"
	"net/http"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/apikeys"
	"github.com/audrey/textai-server/internal/api/handlers"
	"github.com/audrey/textai-server/internal/api/middleware"
	"github.com/audrey/textai-server/internal/auth"
	"github.com/audrey/textai-server/internal/config"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/gateway"
	"github.com/audrey/textai-server/internal/history"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	cfg *config.Config,
	accountSvc *accounts.Service,
	keyRegistry *apikeys.Registry,
	sessions *auth.Sessions,
	gw *gateway.Gateway,
	ledger *history.Ledger,
	eng engine.Engine,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()

	// Create handlers
	toolsHandler := handlers.NewToolsHandler(gw, eng)
	authHandler := handlers.NewAuthHandler(accountSvc, sessions, cfg.Auth.SessionTimeout, cfg.Auth.AllowSignup)
	keysHandler := handlers.NewKeysHandler(keyRegistry)
	usageHandler := handlers.NewUsageHandler(ledger, gw)
	adminHandler := handlers.NewAdminHandler(accountSvc, ledger)

	// Create middleware
	identity := middleware.NewIdentityMiddleware(accountSvc, keyRegistry, sessions)
	burst := middleware.NewBurstLimitMiddleware(cfg.RateLimits.BurstPerSecond)
	loggerMiddleware := middleware.NewLogger(logger)
	corsMiddleware := middleware.NewCORS(nil)

	// Health check (no identity resolution required)
	mux.HandleFunc("GET /health", handleHealth)

	// Tool invocation. Guests are allowed through; the gateway applies
	// the guest tier quota.
	mux.Handle("POST /api/tools/{tool}", applyMiddleware(
		http.HandlerFunc(toolsHandler.HandleInvoke),
		identity.Resolve,
		burst.Limit,
	))
	mux.Handle("GET /api/tools", applyMiddleware(
		http.HandlerFunc(toolsHandler.HandleListTools),
		identity.Resolve,
	))

	// Auth surface
	mux.Handle("POST /api/auth/register", applyMiddleware(
		http.HandlerFunc(authHandler.HandleRegister),
		identity.Resolve,
	))
	mux.Handle("POST /api/auth/login", applyMiddleware(
		http.HandlerFunc(authHandler.HandleLogin),
		identity.Resolve,
	))
	mux.Handle("POST /api/auth/password", applyMiddleware(
		http.HandlerFunc(authHandler.HandleChangePassword),
		identity.Resolve,
		identity.RequireAuth,
	))
	mux.Handle("GET /api/auth/me", applyMiddleware(
		http.HandlerFunc(authHandler.HandleWhoami),
		identity.Resolve,
	))

	// API key management (account holders only)
	mux.Handle("POST /api/keys", applyMiddleware(
		http.HandlerFunc(keysHandler.HandleIssue),
		identity.Resolve,
		identity.RequireAuth,
	))
	mux.Handle("GET /api/keys", applyMiddleware(
		http.HandlerFunc(keysHandler.HandleList),
		identity.Resolve,
		identity.RequireAuth,
	))
	mux.Handle("DELETE /api/keys/{id}", applyMiddleware(
		http.HandlerFunc(keysHandler.HandleRevoke),
		identity.Resolve,
		identity.RequireAuth,
	))

	// Usage surface. Guests can read their own quota and history.
	mux.Handle("GET /api/usage", applyMiddleware(
		http.HandlerFunc(usageHandler.HandleGetHistory),
		identity.Resolve,
	))
	mux.Handle("GET /api/usage/stats", applyMiddleware(
		http.HandlerFunc(usageHandler.HandleGetStats),
		identity.Resolve,
	))
	mux.Handle("GET /api/usage/quota", applyMiddleware(
		http.HandlerFunc(usageHandler.HandleGetQuota),
		identity.Resolve,
	))

	// Admin surface
	mux.Handle("GET /api/admin/users", applyMiddleware(
		http.HandlerFunc(adminHandler.HandleListUsers),
		identity.Resolve,
		identity.RequireAdmin,
	))
	mux.Handle("PUT /api/admin/users/{username}/tier", applyMiddleware(
		http.HandlerFunc(adminHandler.HandleSetTier),
		identity.Resolve,
		identity.RequireAdmin,
	))
	mux.Handle("POST /api/admin/users/{username}/disable", applyMiddleware(
		http.HandlerFunc(adminHandler.HandleDisableUser),
		identity.Resolve,
		identity.RequireAdmin,
	))
	mux.Handle("GET /api/admin/stats", applyMiddleware(
		http.HandlerFunc(adminHandler.HandleGlobalStats),
		identity.Resolve,
		identity.RequireAdmin,
	))

	// Apply global middleware
	handler := corsMiddleware.Handle(mux)
	handler = loggerMiddleware.Log(handler)

	return handler
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// applyMiddleware applies middleware in reverse order
func applyMiddleware(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
