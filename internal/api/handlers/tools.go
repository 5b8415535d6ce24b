package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/audrey/textai-server/internal/api/middleware"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/gateway"
)

// ToolsHandler serves tool invocations through the access gateway.
type ToolsHandler struct {
	gateway *gateway.Gateway
	engine  engine.Engine
}

// NewToolsHandler creates a new tools handler
func NewToolsHandler(g *gateway.Gateway, eng engine.Engine) *ToolsHandler {
	return &ToolsHandler{gateway: g, engine: eng}
}

// ToolRequest is the body of a tool invocation.
type ToolRequest struct {
	Payload string            `json:"payload"`
	Params  map[string]string `json:"params,omitempty"`
}

// ToolResponse carries the result plus the quota state the client
// needs to back off.
type ToolResponse struct {
	Result            *engine.Result `json:"result"`
	ProcessingMs      int64          `json:"processing_time_ms"`
	Limit             int            `json:"limit"`
	Remaining         int            `json:"remaining"`
	ResetEpochSeconds int64          `json:"reset_epoch_seconds"`
}

// HandleInvoke handles POST /api/tools/{tool}
func (h *ToolsHandler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, "caller not resolved")
		return
	}

	tool := r.PathValue("tool")
	if tool == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "tool is required")
		return
	}

	var req ToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "invalid request body")
		return
	}
	if req.Payload == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "payload is required")
		return
	}

	resp, err := h.gateway.Invoke(r.Context(), principal.Identity, engine.InferRequest{
		Tool:    tool,
		Payload: req.Payload,
		Params:  req.Params,
	})
	if err != nil {
		var quota *gateway.QuotaError
		if errors.As(err, &quota) {
			setQuotaHeaders(w, quota.Decision.Limit, quota.Decision.Remaining, quota.Decision.ResetEpoch)
			w.Header().Set("Retry-After", strconv.Itoa(quota.Decision.RetryAfter))
			respondError(w, http.StatusTooManyRequests, CodeRateLimitExceeded,
				fmt.Sprintf("rate limit exceeded, retry after %d seconds", quota.Decision.RetryAfter))
			return
		}
		respondDomainError(w, err)
		return
	}

	setQuotaHeaders(w, resp.Quota.Limit, resp.Quota.Remaining, resp.Quota.ResetEpoch)
	respondJSON(w, http.StatusOK, ToolResponse{
		Result:            resp.Result,
		ProcessingMs:      resp.ProcessingMs,
		Limit:             resp.Quota.Limit,
		Remaining:         resp.Quota.Remaining,
		ResetEpochSeconds: resp.Quota.ResetEpoch,
	})
}

// HandleListTools handles GET /api/tools
func (h *ToolsHandler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tools": h.engine.Tools(),
	})
}

func setQuotaHeaders(w http.ResponseWriter, limit, remaining int, reset int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}
