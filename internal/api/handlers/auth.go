package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/api/middleware"
	"github.com/audrey/textai-server/internal/auth"
)

// AuthHandler handles registration, login and password changes.
type AuthHandler struct {
	accounts       *accounts.Service
	sessions       *auth.Sessions
	sessionTimeout time.Duration
	allowSignup    bool
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(a *accounts.Service, s *auth.Sessions, sessionTimeout time.Duration, allowSignup bool) *AuthHandler {
	return &AuthHandler{
		accounts:       a,
		sessions:       s,
		sessionTimeout: sessionTimeout,
		allowSignup:    allowSignup,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// accountView is the redacted account shape returned to clients.
type accountView struct {
	Username  string    `json:"username"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	IsAdmin   bool      `json:"is_admin"`
	Disabled  bool      `json:"disabled"`
}

func viewOf(a *accounts.Account) accountView {
	return accountView{
		Username:  a.Username,
		Tier:      string(a.Tier),
		CreatedAt: a.CreatedAt,
		IsAdmin:   a.IsAdmin,
		Disabled:  a.Disabled,
	}
}

// HandleRegister handles POST /api/auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.allowSignup {
		respondError(w, http.StatusForbidden, CodeSignupDisabled, "signup is disabled")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "username and password are required")
		return
	}

	account, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, viewOf(account))
}

// HandleLogin handles POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "username and password are required")
		return
	}

	account, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	token, err := h.sessions.Issue(account.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(h.sessionTimeout.Seconds()),
		"account":    viewOf(account),
	})
}

// HandleChangePassword handles POST /api/auth/password
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.Anonymous {
		respondError(w, http.StatusUnauthorized, CodeMissingAPIKey, "authentication required")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "invalid request body")
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "old_password and new_password are required")
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), principal.Name, req.OldPassword, req.NewPassword); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// HandleWhoami handles GET /api/auth/me
func (h *AuthHandler) HandleWhoami(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, "caller not resolved")
		return
	}

	if principal.Anonymous {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"identity":  principal.Name,
			"tier":      string(principal.Tier),
			"anonymous": true,
		})
		return
	}

	account, err := h.accounts.Get(r.Context(), principal.Name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(account))
}
