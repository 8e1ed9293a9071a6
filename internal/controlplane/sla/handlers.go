package sla

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Handler manages SLA policies over HTTP.
type Handler struct {
	store  *Store
	logger *zap.Logger
}

func NewHandler(store *Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger.Named("sla-api")}
}

// HandleCreate is POST /api/v1/sla/policies. Scope is "global",
// "playbook:<id>" or "severity:<level>"; one policy per scope.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string     `json:"name"`
		Scope      string     `json:"scope"`
		Thresholds Thresholds `json:"thresholds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSLAError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON")
		return
	}
	if req.Name == "" || req.Scope == "" {
		writeSLAError(w, http.StatusBadRequest, "INVALID_BODY", "name and scope are required")
		return
	}
	if req.Thresholds.AcknowledgeMs <= 0 || req.Thresholds.ContainmentMs <= 0 || req.Thresholds.ResolutionMs <= 0 {
		writeSLAError(w, http.StatusBadRequest, "INVALID_THRESHOLDS", "all three thresholds must be positive")
		return
	}

	policy, err := h.store.Create(req.Name, req.Scope, req.Thresholds)
	if err != nil {
		if errors.Is(err, ErrExists) {
			writeSLAError(w, http.StatusConflict, "SCOPE_TAKEN", "a policy already exists for this scope")
			return
		}
		h.logger.Error("create policy failed", zap.Error(err))
		writeSLAError(w, http.StatusInternalServerError, "INTERNAL", "could not create policy")
		return
	}
	writeSLAJSON(w, http.StatusCreated, policy)
}

// HandleList is GET /api/v1/sla/policies.
func (h *Handler) HandleList(w http.ResponseWriter, _ *http.Request) {
	policies, err := h.store.List()
	if err != nil {
		h.logger.Error("list policies failed", zap.Error(err))
		writeSLAError(w, http.StatusInternalServerError, "INTERNAL", "could not list policies")
		return
	}
	writeSLAJSON(w, http.StatusOK, map[string]any{"policies": policies, "count": len(policies)})
}

// HandleGet is GET /api/v1/sla/policies/{policy_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	policy, err := h.store.Get(r.PathValue("policy_id"))
	if err != nil {
		writeSLAError(w, http.StatusNotFound, "NOT_FOUND", "no such policy")
		return
	}
	writeSLAJSON(w, http.StatusOK, policy)
}

// HandleToggle is PATCH /api/v1/sla/policies/{policy_id}.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeSLAError(w, http.StatusBadRequest, "INVALID_BODY", "enabled is required")
		return
	}
	policyID := r.PathValue("policy_id")
	if err := h.store.SetEnabled(policyID, *req.Enabled); err != nil {
		writeSLAError(w, http.StatusNotFound, "NOT_FOUND", "no such policy")
		return
	}
	policy, err := h.store.Get(policyID)
	if err != nil {
		writeSLAError(w, http.StatusNotFound, "NOT_FOUND", "no such policy")
		return
	}
	writeSLAJSON(w, http.StatusOK, policy)
}

func writeSLAJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSLAError(w http.ResponseWriter, status int, code, message string) {
	writeSLAJSON(w, status, map[string]string{"code": code, "error": message})
}
