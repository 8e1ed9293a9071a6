package approvals

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateEnforcesOnePendingPerStep(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Create("EX-1", "PB-SSH", "P1", "soc_lead", map[string]any{"source_ip": "1.2.3.4"}, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != StatusPending || first.ApprovalID == "" {
		t.Fatalf("approval = %+v", first)
	}

	if _, err := store.Create("EX-1", "PB-SSH", "P1", "", nil, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate pending = %v, want ErrDuplicate", err)
	}

	// A settled approval frees the slot.
	if _, err := store.Decide(first.ApprovalID, StatusApproved, "alice", ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := store.Create("EX-1", "PB-SSH", "P1", "", nil, time.Hour); err != nil {
		t.Fatalf("create after settle: %v", err)
	}
}

func TestDecideIsFirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	approval, err := store.Create("EX-1", "PB-SSH", "P1", "", nil, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	decided, err := store.Decide(approval.ApprovalID, StatusApproved, "alice", "looks fine")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != StatusApproved || decided.ApprovedBy != "alice" || decided.DecisionNote != "looks fine" {
		t.Fatalf("decided = %+v", decided)
	}

	if _, err := store.Decide(approval.ApprovalID, StatusRejected, "bob", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second decision = %v, want ErrNotPending", err)
	}
	got, _ := store.Get(approval.ApprovalID)
	if got.Status != StatusApproved || got.ApprovedBy != "alice" {
		t.Fatalf("first decision must be preserved: %+v", got)
	}

	if _, err := store.Decide("missing", StatusApproved, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing = %v, want ErrNotFound", err)
	}
}

func TestExpireSkipsDecided(t *testing.T) {
	store := newTestStore(t)
	approval, _ := store.Create("EX-1", "PB-SSH", "P1", "", nil, time.Hour)
	_, _ = store.Decide(approval.ApprovalID, StatusRejected, "alice", "")

	if _, err := store.Expire(approval.ApprovalID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expire decided = %v, want ErrNotPending", err)
	}
}

type recordingResumer struct {
	calls []string
}

func (r *recordingResumer) Resume(executionID, decision string, _ *Approval) error {
	r.calls = append(r.calls, executionID+":"+decision)
	return nil
}

func TestSweepExpiresOverdue(t *testing.T) {
	store := newTestStore(t)
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return clock })

	overdue, _ := store.Create("EX-1", "PB-SSH", "P1", "", nil, time.Minute)
	fresh, _ := store.Create("EX-2", "PB-SSH", "P1", "", nil, time.Hour)

	clock = clock.Add(5 * time.Minute)
	resumer := &recordingResumer{}
	sweeper := NewSweeper(store, resumer, time.Second, nil, nil, nil, nil)

	if n := sweeper.Sweep(); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if len(resumer.calls) != 1 || resumer.calls[0] != "EX-1:timeout" {
		t.Fatalf("resume calls = %v", resumer.calls)
	}

	got, _ := store.Get(overdue.ApprovalID)
	if got.Status != StatusExpired {
		t.Fatalf("overdue status = %s", got.Status)
	}
	got, _ = store.Get(fresh.ApprovalID)
	if got.Status != StatusPending {
		t.Fatalf("fresh status = %s", got.Status)
	}

	// Second pass finds nothing.
	if n := sweeper.Sweep(); n != 0 {
		t.Fatalf("second sweep = %d", n)
	}
}

func TestDecisionEndpoints(t *testing.T) {
	store := newTestStore(t)
	resumer := &recordingResumer{}
	handler := NewHandler(store, resumer, nil, nil, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", handler.HandleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", handler.HandleReject)
	mux.HandleFunc("GET /api/v1/approvals/{id}", handler.HandleGet)
	mux.HandleFunc("GET /api/v1/approvals", handler.HandleList)

	approval, _ := store.Create("EX-1", "PB-SSH", "P1", "soc_lead", nil, time.Hour)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/approvals/"+approval.ApprovalID+"/approve",
		strings.NewReader(`{"decided_by":"alice","note":"contain it"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", rec.Code, rec.Body.String())
	}
	if len(resumer.calls) != 1 || resumer.calls[0] != "EX-1:approved" {
		t.Fatalf("resume calls = %v", resumer.calls)
	}

	// Second decision conflicts and does not resume again.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/approvals/"+approval.ApprovalID+"/reject", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("double decide = %d: %s", rec.Code, rec.Body.String())
	}
	var conflict struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &conflict)
	if conflict.Code != "APPROVAL_NOT_PENDING" {
		t.Fatalf("conflict code = %s", conflict.Code)
	}
	if len(resumer.calls) != 1 {
		t.Fatalf("resume calls after conflict = %v", resumer.calls)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/approvals/"+approval.ApprovalID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var got Approval
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusApproved || got.ApprovedBy != "alice" {
		t.Fatalf("approval = %+v", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/approvals?execution_id=EX-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/approvals/nope/approve", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing approval = %d", rec.Code)
	}
}
