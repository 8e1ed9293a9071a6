package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
)

// Handler serves the webhook management API. Ingress deliveries are
// handled separately by Ingress.
type Handler struct {
	store   *Store
	auditor *audit.Store
	logger  *zap.Logger

	// PlaybookExists guards creation against unknown playbooks when set.
	PlaybookExists func(playbookID string) bool
}

func NewHandler(store *Store, auditor *audit.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, auditor: auditor, logger: logger.Named("webhooks")}
}

type createWebhookRequest struct {
	PlaybookID       string `json:"playbook_id"`
	RequireSignature *bool  `json:"require_signature"`
}

// HandleCreate provisions the webhook for a playbook. The response is
// the only place the full secret ever appears.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHookError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.PlaybookID) == "" {
		writeHookError(w, http.StatusBadRequest, "MISSING_FIELD", "playbook_id is required")
		return
	}
	if h.PlaybookExists != nil && !h.PlaybookExists(req.PlaybookID) {
		writeHookError(w, http.StatusNotFound, "NOT_FOUND", "playbook does not exist")
		return
	}

	requireSignature := true
	if req.RequireSignature != nil {
		requireSignature = *req.RequireSignature
	}

	hook, err := h.store.Create(req.PlaybookID, requireSignature)
	if err != nil {
		if errors.Is(err, ErrExists) {
			writeHookError(w, http.StatusConflict, "ALREADY_EXISTS", "playbook already has a webhook")
			return
		}
		writeHookError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	if h.auditor != nil {
		h.auditor.Emit(audit.ActionWebhookCreated, "webhook", hook.WebhookID, actor(r), map[string]any{
			"playbook_id": hook.PlaybookID,
		})
	}

	// The secret rides alongside the record exactly once.
	writeHookJSON(w, http.StatusCreated, map[string]any{
		"webhook": hook,
		"secret":  hook.Secret,
	})
}

// HandleRotateSecret replaces the HMAC secret. The old secret stops
// verifying immediately.
func (h *Handler) HandleRotateSecret(w http.ResponseWriter, r *http.Request) {
	hook, err := h.store.RotateSecret(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeHookError(w, http.StatusNotFound, "NOT_FOUND", "webhook not found")
			return
		}
		h.logger.Error("secret rotation failed", zap.Error(err))
		writeHookError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "rotation failed")
		return
	}

	if h.auditor != nil {
		h.auditor.Emit(audit.ActionWebhookRotated, "webhook", hook.WebhookID, actor(r), map[string]any{
			"rotation_count": hook.RotationCount,
		})
	}
	writeHookJSON(w, http.StatusOK, map[string]any{
		"webhook": hook,
		"secret":  hook.Secret,
	})
}

type updateWebhookRequest struct {
	Status  *string `json:"status"`
	Enabled *bool   `json:"enabled"`
}

// HandleUpdate changes webhook status. Reactivating a suspended
// webhook clears the abuse counter.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHookError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}

	hook, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeHookError(w, http.StatusNotFound, "NOT_FOUND", "webhook not found")
		return
	}

	status := hook.Status
	if req.Status != nil {
		status = strings.ToLower(strings.TrimSpace(*req.Status))
		switch status {
		case StatusActive, StatusDisabled, StatusSuspended:
		default:
			writeHookError(w, http.StatusBadRequest, "INVALID_BODY", "status must be active, disabled or suspended")
			return
		}
	}
	enabled := hook.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	updated, err := h.store.SetStatus(hook.WebhookID, status, enabled, hook.SuspendReason)
	if err != nil {
		writeHookError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "update failed")
		return
	}
	updated.Secret = ""
	writeHookJSON(w, http.StatusOK, updated)
}

// HandleSetTrigger binds the trigger evaluated on every accepted
// delivery. An empty body clears it.
func (h *Handler) HandleSetTrigger(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("id")
	if _, err := h.store.Get(webhookID); err != nil {
		writeHookError(w, http.StatusNotFound, "NOT_FOUND", "webhook not found")
		return
	}

	var trigger *triggers.Trigger
	var body triggers.Trigger
	err := json.NewDecoder(r.Body).Decode(&body)
	switch {
	case errors.Is(err, io.EOF):
		// Empty body clears the trigger.
	case err != nil:
		writeHookError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	default:
		for i, cond := range body.Conditions {
			if !triggers.KnownOperator(cond.Operator) {
				writeHookError(w, http.StatusBadRequest, "INVALID_BODY",
					fmt.Sprintf("condition %d has unknown operator %q", i, cond.Operator))
				return
			}
		}
		if body.Match == "" {
			body.Match = triggers.MatchAll
		}
		trigger = &body
	}

	if err := h.store.SetTrigger(webhookID, trigger); err != nil {
		writeHookError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "trigger update failed")
		return
	}
	hook, _ := h.store.Get(webhookID)
	if hook != nil {
		hook.Secret = ""
	}
	writeHookJSON(w, http.StatusOK, hook)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	hook, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeHookError(w, http.StatusNotFound, "NOT_FOUND", "webhook not found")
		return
	}
	hook.Secret = ""
	writeHookJSON(w, http.StatusOK, hook)
}

func (h *Handler) HandleList(w http.ResponseWriter, _ *http.Request) {
	hooks, err := h.store.List()
	if err != nil {
		writeHookError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "list failed")
		return
	}
	writeHookJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}

func writeHookJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeHookError(w http.ResponseWriter, status int, code, message string) {
	writeHookJSON(w, status, map[string]string{"code": code, "error": message})
}
