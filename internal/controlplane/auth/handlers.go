package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
)

// Handler manages API keys over HTTP. Key management itself is always
// admin-gated.
type Handler struct {
	store   *KeyStore
	auditor *audit.Store
	logger  *zap.Logger
}

func NewHandler(store *KeyStore, auditor *audit.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, auditor: auditor, logger: logger.Named("auth-api")}
}

// HandleCreate is POST /api/v1/auth/keys. The plaintext key appears in
// this response and nowhere else.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req struct {
		Name        string       `json:"name"`
		Permissions []Permission `json:"permissions"`
		TTLHours    float64      `json:"ttl_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "body must be JSON")
		return
	}
	if req.Name == "" {
		writeAuthError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Permissions) == 0 {
		req.Permissions = []Permission{PermAdmin}
	}

	var expiresAt time.Time
	if req.TTLHours > 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(req.TTLHours * float64(time.Hour)))
	}

	key, plaintext, err := h.store.Create(req.Name, req.Permissions, expiresAt)
	if err != nil {
		h.logger.Error("create key failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "could not create key")
		return
	}
	if h.auditor != nil {
		h.auditor.Emit(audit.ActionAPIKeyCreated, "api_key", key.KeyID, actorName(r), map[string]any{
			"name":        key.Name,
			"permissions": key.Permissions,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"key": key, "plaintext": plaintext})
}

// HandleList is GET /api/v1/auth/keys.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	keys, err := h.store.List()
	if err != nil {
		h.logger.Error("list keys failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "could not list keys")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys, "count": len(keys)})
}

// HandleRevoke is DELETE /api/v1/auth/keys/{key_id}.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	keyID := r.PathValue("key_id")
	if err := h.store.Revoke(keyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeAuthError(w, http.StatusNotFound, "no such key")
			return
		}
		h.logger.Error("revoke failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "could not revoke key")
		return
	}
	if h.auditor != nil {
		h.auditor.Emit(audit.ActionAPIKeyRevoked, "api_key", keyID, actorName(r), nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	key := FromContext(r.Context())
	if key != nil && !key.Allows(PermAdmin) {
		writeAuthError(w, http.StatusForbidden, "admin permission required")
		return false
	}
	return true
}

func actorName(r *http.Request) string {
	if key := FromContext(r.Context()); key != nil {
		return key.Name
	}
	return "api"
}
