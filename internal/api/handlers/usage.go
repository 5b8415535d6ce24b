package handlers

import (
	"net/http"
	"strconv"

	"github.com/audrey/textai-server/internal/api/middleware"
	"github.com/audrey/textai-server/internal/gateway"
	"github.com/audrey/textai-server/internal/history"
)

// UsageHandler serves per-caller history, analytics and quota state.
type UsageHandler struct {
	ledger  *history.Ledger
	gateway *gateway.Gateway
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(l *history.Ledger, g *gateway.Gateway) *UsageHandler {
	return &UsageHandler{ledger: l, gateway: g}
}

// HandleGetHistory handles GET /api/usage
func (h *UsageHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	query := r.URL.Query()
	limit := 50
	offset := 0

	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if o := query.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	entries, err := h.ledger.History(r.Context(), principal.Name, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

// HandleGetStats handles GET /api/usage/stats
func (h *UsageHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	stats, err := h.ledger.Analytics(r.Context(), principal.Name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleGetQuota handles GET /api/usage/quota
func (h *UsageHandler) HandleGetQuota(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	dec, err := h.gateway.Quota(r.Context(), principal.Identity)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"limit":               dec.Limit,
		"remaining":           dec.Remaining,
		"reset_epoch_seconds": dec.ResetEpoch,
		"tier":                string(principal.Tier),
	})
}
