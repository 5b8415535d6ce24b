package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/api"
	"github.com/audrey/textai-server/internal/apikeys"
	"github.com/audrey/textai-server/internal/auth"
	"github.com/audrey/textai-server/internal/config"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/gateway"
	"github.com/audrey/textai-server/internal/history"
	"github.com/audrey/textai-server/internal/logging"
	"github.com/audrey/textai-server/internal/ratelimit"
	"github.com/audrey/textai-server/internal/store"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")

	// Automation subcommands for scripting
	addUser := flag.String("add-user", "", "Add user with JSON input: {\"username\":\"...\", \"password\":\"...\", \"tier\":\"user\"}")
	listUsers := flag.Bool("list-users", false, "List all users (JSON output)")
	setTier := flag.String("set-tier", "", "Set user tier with JSON input: {\"username\":\"...\", \"tier\":\"pro\"}")
	disableUser := flag.String("disable-user", "", "Disable user by username")
	issueKey := flag.String("issue-key", "", "Issue an API key for username (JSON output, plaintext shown once)")
	revokeKey := flag.String("revoke-key", "", "Revoke an API key by its record ID")
	listKeys := flag.String("list-keys", "", "List a user's API keys (JSON output)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	// Initialize storage
	st, err := store.Open(cfg.Storage)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	accountSvc, err := accounts.NewService(st, cfg.Auth.PasswordHashCost)
	if err != nil {
		logger.Error("failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	keyRegistry := apikeys.NewRegistry(st, cfg.Auth.KeyRetentionDays)

	// Handle automation commands (JSON I/O for scripting)
	ctx := context.Background()
	switch {
	case *addUser != "":
		runAddUser(ctx, accountSvc, *addUser)
		return
	case *listUsers:
		runListUsers(ctx, accountSvc)
		return
	case *setTier != "":
		runSetTier(ctx, accountSvc, *setTier)
		return
	case *disableUser != "":
		runDisableUser(ctx, accountSvc, *disableUser)
		return
	case *issueKey != "":
		runIssueKey(ctx, keyRegistry, *issueKey)
		return
	case *revokeKey != "":
		runRevokeKey(ctx, keyRegistry, *revokeKey)
		return
	case *listKeys != "":
		runListKeys(ctx, keyRegistry, *listKeys)
		return
	}

	// Default: run server
	runServer(cfg, st, accountSvc, keyRegistry, logger)
}

func runServer(
	cfg *config.Config,
	st store.Store,
	accountSvc *accounts.Service,
	keyRegistry *apikeys.Registry,
	logger *slog.Logger,
) {
	logger.Info("starting textai server",
		"address", cfg.Server.Address(),
		"storage", cfg.Storage.Driver,
	)

	// Bootstrap the admin account
	if err := accountSvc.EnsureAdmin(context.Background(), cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		logger.Error("failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	// Wire the request path
	sessions := auth.NewSessions(cfg.Auth.SecretKey, cfg.Auth.SessionTimeout)
	limiter := ratelimit.NewLimiter(st, cfg.RateLimits)
	ledger := history.NewLedger(st, logger, cfg.History.MaxEntries)
	eng := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Timeout, cfg.Engine.Tools)
	gw := gateway.New(limiter, eng, ledger, logger, cfg.History.RecordDenied)

	// Setup routes
	handler := api.SetupRoutes(cfg, accountSvc, keyRegistry, sessions, gw, ledger, eng, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "url", "http://"+cfg.Server.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")

	// Gracefully shutdown the server with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}

// printJSON writes automation command output to stdout.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fail(err error) {
	printJSON(map[string]string{"error": err.Error()})
	os.Exit(1)
}

func runAddUser(ctx context.Context, svc *accounts.Service, input string) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Tier     string `json:"tier"`
	}
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		fail(fmt.Errorf("invalid JSON input: %w", err))
	}

	account, err := svc.Register(ctx, req.Username, req.Password)
	if err != nil {
		fail(err)
	}
	if req.Tier != "" {
		if !accounts.ValidTier(req.Tier) {
			fail(fmt.Errorf("unknown tier: %s", req.Tier))
		}
		if err := svc.SetTier(ctx, req.Username, accounts.Tier(req.Tier)); err != nil {
			fail(err)
		}
		account.Tier = accounts.Tier(req.Tier)
	}

	printJSON(map[string]interface{}{
		"username":   account.Username,
		"tier":       account.Tier,
		"created_at": account.CreatedAt,
	})
}

func runListUsers(ctx context.Context, svc *accounts.Service) {
	list, err := svc.List(ctx)
	if err != nil {
		fail(err)
	}

	type userOut struct {
		Username  string    `json:"username"`
		Tier      string    `json:"tier"`
		CreatedAt time.Time `json:"created_at"`
		IsAdmin   bool      `json:"is_admin"`
		Disabled  bool      `json:"disabled"`
	}
	out := make([]userOut, 0, len(list))
	for _, a := range list {
		out = append(out, userOut{
			Username:  a.Username,
			Tier:      string(a.Tier),
			CreatedAt: a.CreatedAt,
			IsAdmin:   a.IsAdmin,
			Disabled:  a.Disabled,
		})
	}
	printJSON(out)
}

func runSetTier(ctx context.Context, svc *accounts.Service, input string) {
	var req struct {
		Username string `json:"username"`
		Tier     string `json:"tier"`
	}
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		fail(fmt.Errorf("invalid JSON input: %w", err))
	}
	if !accounts.ValidTier(req.Tier) {
		fail(fmt.Errorf("unknown tier: %s", req.Tier))
	}

	if err := svc.SetTier(ctx, req.Username, accounts.Tier(req.Tier)); err != nil {
		fail(err)
	}
	printJSON(map[string]string{"username": req.Username, "tier": req.Tier})
}

func runDisableUser(ctx context.Context, svc *accounts.Service, username string) {
	if err := svc.Disable(ctx, username); err != nil {
		fail(err)
	}
	printJSON(map[string]string{"username": username, "status": "disabled"})
}

func runIssueKey(ctx context.Context, reg *apikeys.Registry, username string) {
	plaintext, record, err := reg.Issue(ctx, username)
	if err != nil {
		fail(err)
	}
	printJSON(map[string]interface{}{
		"api_key":    plaintext,
		"id":         record.ID,
		"created_at": record.CreatedAt,
		"expires_at": record.ExpiresAt,
		"warning":    "save this key now, it will not be shown again",
	})
}

func runRevokeKey(ctx context.Context, reg *apikeys.Registry, keyID string) {
	if err := reg.Revoke(ctx, keyID); err != nil {
		fail(err)
	}
	printJSON(map[string]string{"id": keyID, "status": "revoked"})
}

func runListKeys(ctx context.Context, reg *apikeys.Registry, username string) {
	records, err := reg.ListByOwner(ctx, username)
	if err != nil {
		fail(err)
	}

	type keyOut struct {
		ID        string     `json:"id"`
		CreatedAt time.Time  `json:"created_at"`
		Revoked   bool       `json:"revoked"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	out := make([]keyOut, 0, len(records))
	for _, rec := range records {
		out = append(out, keyOut{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			Revoked:   rec.Revoked,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	printJSON(out)
}
