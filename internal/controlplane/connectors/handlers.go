package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/shared/security"
)

// Handler serves connector CRUD plus the test endpoint.
type Handler struct {
	store    *Store
	registry *Registry
	invoker  *Invoker
	audit    *audit.Store
	logger   *zap.Logger
}

func NewHandler(store *Store, registry *Registry, invoker *Invoker, auditStore *audit.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, registry: registry, invoker: invoker, audit: auditStore, logger: logger}
}

type upsertRequest struct {
	ConnectorID string         `json:"connector_id,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Active      *bool          `json:"active,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if _, ok := h.registry.Get(strings.ToLower(strings.TrimSpace(req.Type))); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"unknown connector type; registered: "+strings.Join(h.registry.Types(), ", "))
		return
	}

	active := req.Active == nil || *req.Active
	created, err := h.store.Create(Record{
		ConnectorID: req.ConnectorID,
		Name:        req.Name,
		Type:        req.Type,
		Active:      active,
		Config:      req.Config,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordExists):
			writeError(w, http.StatusConflict, "conflict", "connector id or name already exists")
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}

	h.emit(audit.ActionConnectorCreated, created.ConnectorID, map[string]any{"type": created.Type})
	writeJSON(w, http.StatusCreated, map[string]any{"connector": created})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List()
	if err != nil {
		h.logger.Error("list connectors", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list connectors")
		return
	}
	for i := range records {
		records[i].Config = maskConfig(records[i].Config)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": records,
		"stats":      h.invoker.StatsSnapshot(),
	})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	rec, err := h.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "connector not found")
		return
	}
	rec.Config = maskConfig(rec.Config)
	writeJSON(w, http.StatusOK, map[string]any{"connector": rec})
}

// maskConfig hides credential values in API responses. Writes still
// accept full configs; only reads are masked.
func maskConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	masked := make(map[string]any, len(config))
	for key, value := range config {
		if security.IsCredentialKey(key) {
			masked[key] = "***"
			continue
		}
		masked[key] = value
	}
	return masked
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	active := req.Active == nil || *req.Active
	updated, err := h.store.Update(id, req.Name, active, req.Config)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "connector not found")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.emit(audit.ActionConnectorUpdated, updated.ConnectorID, map[string]any{"active": updated.Active})
	writeJSON(w, http.StatusOK, map[string]any{"connector": updated})
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "connector not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete connector")
		return
	}
	h.emit(audit.ActionConnectorDeleted, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

type testRequest struct {
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HandleTest health-checks the connector, or performs a real execute
// when the body supplies {action, parameters}.
func (h *Handler) HandleTest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var req testRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = "health"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	output, nerr := h.invoker.Invoke(ctx, id, action, req.Parameters, 0)
	h.emit(audit.ActionConnectorTested, id, map[string]any{"action": action, "ok": nerr == nil})
	if nerr != nil {
		status := http.StatusBadGateway
		switch nerr.Code {
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeInvalidAction, CodeInvalidInput:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": nerr})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "output": output})
}

func (h *Handler) emit(action audit.Action, resourceID string, details map[string]any) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(action, "connector", resourceID, "", details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}
