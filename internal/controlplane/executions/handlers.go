package executions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/webhooks"
)

// Handler serves the execution API: list with filters, detail, manual
// trigger and cancel.
type Handler struct {
	store  *Store
	engine *Engine
	logger *zap.Logger
}

func NewHandler(store *Store, engine *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, engine: engine, logger: logger.Named("executions-api")}
}

// HandleList is GET /api/v1/executions with optional state,
// playbook_id, severity, rule_id, since, until, limit, offset, sort.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		State:      q.Get("state"),
		PlaybookID: q.Get("playbook_id"),
		Severity:   q.Get("severity"),
		RuleID:     q.Get("rule_id"),
		SortAsc:    q.Get("sort") == "asc",
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeExecError(w, http.StatusBadRequest, "INVALID_FILTER", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeExecError(w, http.StatusBadRequest, "INVALID_FILTER", "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeExecError(w, http.StatusBadRequest, "INVALID_FILTER", name+" must be RFC3339")
			return
		}
		*dst = ts
	}

	list, err := h.store.List(filter)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		writeExecError(w, http.StatusInternalServerError, "STORE_ERROR", "could not list executions")
		return
	}
	writeExecJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

// HandleGet is GET /api/v1/executions/{execution_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.Get(r.PathValue("execution_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeExecError(w, http.StatusNotFound, "NOT_FOUND", "no such execution")
			return
		}
		h.logger.Error("get failed", zap.Error(err))
		writeExecError(w, http.StatusInternalServerError, "STORE_ERROR", "could not load execution")
		return
	}
	writeExecJSON(w, http.StatusOK, exec)
}

// HandleCreate is POST /api/v1/executions: a manual trigger that
// bypasses webhook ingress but runs the same engine path.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlaybookID    string         `json:"playbook_id"`
		TriggerData   map[string]any `json:"trigger_data"`
		TriggerSource string         `json:"trigger_source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeExecError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON")
		return
	}
	if req.PlaybookID == "" {
		writeExecError(w, http.StatusBadRequest, "INVALID_BODY", "playbook_id is required")
		return
	}
	if req.TriggerSource == "" {
		req.TriggerSource = "manual"
	}

	executionID, err := h.engine.Start(webhooks.StartRequest{
		PlaybookID:    req.PlaybookID,
		TriggerSource: req.TriggerSource,
		TriggerData:   req.TriggerData,
	})
	if err != nil {
		h.logger.Warn("manual start failed", zap.String("playbook_id", req.PlaybookID), zap.Error(err))
		writeExecError(w, http.StatusNotFound, "PLAYBOOK_NOT_FOUND", err.Error())
		return
	}
	writeExecJSON(w, http.StatusAccepted, map[string]any{"execution_id": executionID})
}

// HandleCancel is PATCH /api/v1/executions/{execution_id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "api"
	}
	exec, err := h.engine.Cancel(r.PathValue("execution_id"), actor)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeExecError(w, http.StatusNotFound, "NOT_FOUND", "no such execution")
		case errors.Is(err, ErrInvalidTransition):
			writeExecError(w, http.StatusConflict, CodeInvalidStateTransition, err.Error())
		default:
			h.logger.Error("cancel failed", zap.Error(err))
			writeExecError(w, http.StatusInternalServerError, "STORE_ERROR", "could not cancel execution")
		}
		return
	}
	writeExecJSON(w, http.StatusOK, exec)
}

func writeExecJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeExecError(w http.ResponseWriter, status int, code, message string) {
	writeExecJSON(w, status, map[string]string{"code": code, "error": message})
}
