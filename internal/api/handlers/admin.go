package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/history"
)

// AdminHandler serves the administrative surface. Every route here is
// behind RequireAdmin.
type AdminHandler struct {
	accounts *accounts.Service
	ledger   *history.Ledger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(a *accounts.Service, l *history.Ledger) *AdminHandler {
	return &AdminHandler{accounts: a, ledger: l}
}

// HandleListUsers handles GET /api/admin/users
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.List(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	views := make([]accountView, 0, len(list))
	for i := range list {
		views = append(views, viewOf(&list[i]))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": views})
}

// HandleSetTier handles PUT /api/admin/users/{username}/tier
func (h *AdminHandler) HandleSetTier(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "username is required")
		return
	}

	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "invalid request body")
		return
	}

	if !accounts.ValidTier(req.Tier) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			"tier must be one of: guest, user, pro")
		return
	}

	if err := h.accounts.SetTier(r.Context(), username, accounts.Tier(req.Tier)); err != nil {
		respondDomainError(w, err)
		return
	}

	account, err := h.accounts.Get(r.Context(), username)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(account))
}

// HandleDisableUser handles POST /api/admin/users/{username}/disable
func (h *AdminHandler) HandleDisableUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "username is required")
		return
	}

	if err := h.accounts.Disable(r.Context(), username); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// HandleGlobalStats handles GET /api/admin/stats
func (h *AdminHandler) HandleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GlobalAnalytics(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	identities, err := h.ledger.Identities(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"analytics":  stats,
		"identities": len(identities),
	})
}
