package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/audrey/textai-server/internal/accounts"
	"github.com/audrey/textai-server/internal/apikeys"
	"github.com/audrey/textai-server/internal/engine"
	"github.com/audrey/textai-server/internal/gateway"
	"github.com/audrey/textai-server/internal/store"
)

// External error codes. These strings are part of the API contract.
const (
	CodeMissingAPIKey      = "MISSING_API_KEY"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeMissingParameter   = "MISSING_PARAMETER"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeDuplicateUsername  = "DUPLICATE_USERNAME"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeNotFound           = "NOT_FOUND"
	CodeSignupDisabled     = "SIGNUP_DISABLED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorPayload is the error envelope: {error, code, details?}.
type errorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends the standard error envelope
func respondError(w http.ResponseWriter, status int, code, message string, details ...string) {
	payload := errorPayload{Error: message, Code: code}
	if len(details) > 0 {
		payload.Details = details[0]
	}
	respondJSON(w, status, payload)
}

// respondDomainError maps typed domain errors to external codes.
// Persistence details (paths, lock internals) never reach the client.
func respondDomainError(w http.ResponseWriter, err error) {
	var quota *gateway.QuotaError
	switch {
	case errors.As(err, &quota):
		// Callers of this helper that can set Retry-After do so first.
		respondError(w, http.StatusTooManyRequests, CodeRateLimitExceeded, err.Error())
	case errors.Is(err, accounts.ErrDuplicateUsername):
		respondError(w, http.StatusConflict, CodeDuplicateUsername, "username already exists")
	case errors.Is(err, accounts.ErrWeakPassword):
		respondError(w, http.StatusBadRequest, CodeWeakPassword,
			"password must be at least 8 characters")
	case errors.Is(err, accounts.ErrInvalidUsername):
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			"username must be 3-32 characters: letters, digits, '-' or '_'")
	case errors.Is(err, accounts.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid username or password")
	case errors.Is(err, accounts.ErrNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "account not found")
	case errors.Is(err, apikeys.ErrInvalidKey), errors.Is(err, apikeys.ErrExpiredKey):
		respondError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid or expired API key")
	case errors.Is(err, apikeys.ErrKeyNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, "API key not found")
	case errors.Is(err, engine.ErrUnknownTool):
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "unknown tool")
	case errors.Is(err, store.ErrCorruptStore), errors.Is(err, store.ErrLockTimeout):
		respondError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	default:
		respondError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}
