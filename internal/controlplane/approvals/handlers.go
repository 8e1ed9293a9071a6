package approvals

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
)

// Handler serves the approval decision API.
type Handler struct {
	store   *Store
	resumer Resumer
	metrics *metrics.Metrics
	auditor *audit.Store
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

func NewHandler(store *Store, resumer Resumer, m *metrics.Metrics, auditor *audit.Store, bus *events.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:   store,
		resumer: resumer,
		metrics: m,
		auditor: auditor,
		bus:     bus,
		logger:  logger.Named("approvals"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (tests).
func (h *Handler) SetNow(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note"`
}

// HandleApprove serves POST /approvals/{id}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, StatusApproved)
}

// HandleReject serves POST /approvals/{id}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, StatusRejected)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, status string) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeApprovalError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "api"
	}

	approval, err := h.store.Decide(r.PathValue("id"), status, decidedBy, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeApprovalError(w, http.StatusNotFound, "NOT_FOUND", "approval not found")
		case errors.Is(err, ErrNotPending):
			writeApprovalError(w, http.StatusConflict, "APPROVAL_NOT_PENDING", "approval already settled")
		default:
			h.logger.Error("decision failed", zap.Error(err))
			writeApprovalError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "decision failed")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.ApprovalsPending.Dec()
		h.metrics.ApprovalDecisionSeconds.Observe(approval.ApprovedAt.Sub(approval.CreatedAt).Seconds())
	}
	if h.auditor != nil {
		h.auditor.Emit(audit.ActionApprovalDecided, "approval", approval.ApprovalID, decidedBy, map[string]any{
			"execution_id": approval.ExecutionID,
			"step_id":      approval.StepID,
			"decision":     status,
			"note":         req.Note,
		})
	}
	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:        events.ApprovalDecided,
			ExecutionID: approval.ExecutionID,
			PlaybookID:  approval.PlaybookID,
			Summary:     "approval " + status + " by " + decidedBy,
			Timestamp:   h.now(),
		})
	}

	if h.resumer != nil {
		if err := h.resumer.Resume(approval.ExecutionID, status, approval); err != nil {
			h.logger.Error("resume failed",
				zap.String("execution_id", approval.ExecutionID),
				zap.Error(err))
			// Decision is already durable; report it with a warning.
			writeApprovalJSON(w, http.StatusOK, map[string]any{
				"approval": approval,
				"warning":  "decision recorded but execution resume failed",
			})
			return
		}
	}
	writeApprovalJSON(w, http.StatusOK, map[string]any{"approval": approval})
}

// HandleGet serves GET /approvals/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	approval, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		writeApprovalError(w, http.StatusNotFound, "NOT_FOUND", "approval not found")
		return
	}
	writeApprovalJSON(w, http.StatusOK, approval)
}

// HandleList serves GET /approvals. ?status=pending narrows to open
// requests; ?execution_id= narrows to one execution.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var (
		list []Approval
		err  error
	)
	if executionID := r.URL.Query().Get("execution_id"); executionID != "" {
		list, err = h.store.ListByExecution(executionID)
	} else {
		list, err = h.store.ListPending()
	}
	if err != nil {
		writeApprovalError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "list failed")
		return
	}
	writeApprovalJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func writeApprovalJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeApprovalError(w http.ResponseWriter, status int, code, message string) {
	writeApprovalJSON(w, status, map[string]string{"code": code, "error": message})
}
