package playbooks

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
)

// Handler serves playbook CRUD. There is no delete: playbooks are
// soft-disabled through the toggle endpoint.
type Handler struct {
	store  *Store
	audit  *audit.Store
	logger *zap.Logger
}

func NewHandler(store *Store, auditStore *audit.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, audit: auditStore, logger: logger}
}

type createRequest struct {
	PlaybookID    string          `json:"playbook_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	DSL           DSL             `json:"dsl"`
	CreatedBy     string          `json:"created_by"`
	ChangeSummary string          `json:"change_summary"`
	Version       json.RawMessage `json:"version"`
	Enabled       json.RawMessage `json:"enabled"`
}

// HandleCreate creates version 1. The body may not carry version or
// enabled; versioning and activation are server-owned.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Version) > 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "version is server-assigned and may not appear in the body")
		return
	}
	if len(req.Enabled) > 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "enabled is controlled by the toggle endpoint")
		return
	}

	created, err := h.store.Create(Playbook{
		PlaybookID:    req.PlaybookID,
		Name:          req.Name,
		Description:   req.Description,
		DSL:           req.DSL,
		CreatedBy:     req.CreatedBy,
		ChangeSummary: req.ChangeSummary,
	})
	if err != nil {
		switch {
		case IsValidation(err):
			writeValidationError(w, err)
		case errors.Is(err, ErrAlreadyExists):
			writeError(w, http.StatusConflict, "conflict", "playbook already exists; use PUT to create a new version")
		default:
			h.logger.Error("create playbook", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create playbook")
		}
		return
	}

	h.emit(audit.ActionPlaybookCreated, created.PlaybookID, req.CreatedBy, map[string]any{
		"version": created.Version,
		"steps":   len(created.DSL.Steps),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"playbook": created})
}

type updateRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	DSL           DSL    `json:"dsl"`
	Enabled       *bool  `json:"enabled"`
	CreatedBy     string `json:"created_by"`
	ChangeSummary string `json:"change_summary"`
}

// HandleUpdate appends version N+1. Unless the body says enabled=false
// the new version becomes the active one atomically.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "playbook id is required")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	enable := req.Enabled == nil || *req.Enabled

	updated, err := h.store.Update(id, Playbook{
		Name:          req.Name,
		Description:   req.Description,
		DSL:           req.DSL,
		CreatedBy:     req.CreatedBy,
		ChangeSummary: req.ChangeSummary,
	}, enable)
	if err != nil {
		switch {
		case IsValidation(err):
			writeValidationError(w, err)
		case IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "playbook not found; use POST to create it")
		default:
			h.logger.Error("update playbook", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to update playbook")
		}
		return
	}

	h.emit(audit.ActionPlaybookUpdated, updated.PlaybookID, req.CreatedBy, map[string]any{
		"version": updated.Version,
		"enabled": updated.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"playbook": updated})
}

type toggleRequest struct {
	Version int  `json:"version"`
	Enabled bool `json:"enabled"`
}

// HandleToggle enables or disables one version. Enabling disables every
// other version of the playbook.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "playbook id is required")
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Version == 0 {
		latest, err := h.store.Latest(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "playbook not found")
			return
		}
		req.Version = latest.Version
	}

	toggled, err := h.store.SetEnabled(id, req.Version, req.Enabled)
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "playbook version not found")
			return
		}
		h.logger.Error("toggle playbook", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to toggle playbook")
		return
	}

	h.emit(audit.ActionPlaybookToggled, toggled.PlaybookID, "", map[string]any{
		"version": toggled.Version,
		"enabled": toggled.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"playbook": toggled})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.List()
	if err != nil {
		h.logger.Error("list playbooks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list playbooks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": summaries})
}

// HandleGet returns the active version by default; ?version=N fetches an
// exact version and ?version=latest the newest.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "playbook id is required")
		return
	}

	var (
		pb  *Playbook
		err error
	)
	switch version := strings.TrimSpace(r.URL.Query().Get("version")); version {
	case "", "active":
		pb, err = h.store.GetActive(id)
		if IsNotFound(err) {
			pb, err = h.store.Latest(id)
		}
	case "latest":
		pb, err = h.store.Latest(id)
	default:
		n, convErr := strconv.Atoi(version)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "version must be an integer, 'active' or 'latest'")
			return
		}
		pb, err = h.store.Get(id, n)
	}
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "playbook not found")
			return
		}
		h.logger.Error("get playbook", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load playbook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbook": pb})
}

func (h *Handler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "playbook id is required")
		return
	}
	versions, err := h.store.Versions(id)
	if err != nil {
		h.logger.Error("list playbook versions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list versions")
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "playbook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// HandleValidate dry-runs the validator without persisting anything.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var pb Playbook
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	issues, err := Validate(&pb)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  err == nil,
		"issues": issues,
	})
}

func (h *Handler) emit(action audit.Action, resourceID, actor string, details map[string]any) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(action, "playbook", resourceID, actor, details)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var v *ValidationError
	if errors.As(err, &v) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":   "invalid_playbook",
			"error":  "playbook validation failed",
			"issues": v.Issues,
		})
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_playbook", err.Error())
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
