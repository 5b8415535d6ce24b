package handlers

import (
	"net/http"
	"time"

	"github.com/audrey/textai-server/internal/api/middleware"
	"github.com/audrey/textai-server/internal/apikeys"
)

// KeysHandler manages the caller's API keys.
type KeysHandler struct {
	keys *apikeys.Registry
}

// NewKeysHandler creates a new keys handler
func NewKeysHandler(k *apikeys.Registry) *KeysHandler {
	return &KeysHandler{keys: k}
}

// keyView never includes the key hash or plaintext.
type keyView struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Revoked   bool       `json:"revoked"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandleIssue handles POST /api/keys. The plaintext key appears in
// this response and nowhere else, ever.
func (h *KeysHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	plaintext, record, err := h.keys.Issue(r.Context(), principal.Name)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": plaintext,
		"key": keyView{
			ID:        record.ID,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		},
		"warning": "save this key now, it will not be shown again",
	})
}

// HandleList handles GET /api/keys
func (h *KeysHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	records, err := h.keys.ListByOwner(r.Context(), principal.Name)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	views := make([]keyView, 0, len(records))
	for _, rec := range records {
		views = append(views, keyView{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			Revoked:   rec.Revoked,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"keys": views})
}

// HandleRevoke handles DELETE /api/keys/{id}. Revoking twice is fine.
func (h *KeysHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	keyID := r.PathValue("id")
	if keyID == "" {
		respondError(w, http.StatusBadRequest, CodeMissingParameter, "key id is required")
		return
	}

	// Owners may only revoke their own keys; admins may revoke any.
	if !principal.IsAdmin {
		records, err := h.keys.ListByOwner(r.Context(), principal.Name)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		owned := false
		for _, rec := range records {
			if rec.ID == keyID {
				owned = true
				break
			}
		}
		if !owned {
			respondError(w, http.StatusNotFound, CodeNotFound, "API key not found")
			return
		}
	}

	if err := h.keys.Revoke(r.Context(), keyID); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
