// Package approvals tracks human decision points raised by approval
// steps. An execution suspends until the approval is decided or its
// deadline passes; either way the engine re-enters the run loop.
package approvals

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Approval statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

var (
	ErrNotFound   = errors.New("approval not found")
	ErrNotPending = errors.New("approval is not pending")
	ErrDuplicate  = errors.New("a pending approval already exists for this step")
)

// Approval is one outstanding (or settled) decision request.
type Approval struct {
	ApprovalID   string         `json:"approval_id"`
	ExecutionID  string         `json:"execution_id"`
	PlaybookID   string         `json:"playbook_id"`
	StepID       string         `json:"step_id"`
	Status       string         `json:"status"`
	RequiredRole string         `json:"required_role,omitempty"`
	Context      map[string]any `json:"trigger_context,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
	ApprovedAt   time.Time      `json:"approved_at,omitempty"`
	DecisionNote string         `json:"decision_note,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Pending reports whether the approval still awaits a decision.
func (a Approval) Pending() bool { return a.Status == StatusPending }

// Store persists approvals in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open approvals db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approvals (
		approval_id   TEXT PRIMARY KEY,
		execution_id  TEXT NOT NULL,
		playbook_id   TEXT NOT NULL,
		step_id       TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		required_role TEXT NOT NULL DEFAULT '',
		context_json  TEXT NOT NULL DEFAULT '',
		expires_at    TEXT NOT NULL,
		approved_by   TEXT NOT NULL DEFAULT '',
		approved_at   TEXT NOT NULL DEFAULT '',
		decision_note TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create approvals: %w", err)
	}
	// At most one pending approval per (execution_id, step_id).
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending
		ON approvals(execution_id, step_id) WHERE status = 'pending'`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pending index: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a pending approval. timeout bounds how long the
// execution may wait; zero means already expired, which the sweep will
// pick up on its next pass.
func (s *Store) Create(executionID, playbookID, stepID, requiredRole string, context map[string]any, timeout time.Duration) (*Approval, error) {
	now := s.now().UTC()
	approval := Approval{
		ApprovalID:   uuid.NewString(),
		ExecutionID:  executionID,
		PlaybookID:   playbookID,
		StepID:       stepID,
		Status:       StatusPending,
		RequiredRole: requiredRole,
		Context:      context,
		ExpiresAt:    now.Add(timeout),
		CreatedAt:    now,
	}

	contextRaw := ""
	if context != nil {
		data, err := json.Marshal(context)
		if err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
		contextRaw = string(data)
	}

	_, err := s.db.Exec(`INSERT INTO approvals
		(approval_id, execution_id, playbook_id, step_id, status, required_role,
		 context_json, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, executionID, playbookID, stepID, StatusPending, requiredRole,
		contextRaw, approval.ExpiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return &approval, nil
}

// Decide settles a pending approval. Only the first decision wins; a
// repeat call reports ErrNotPending and leaves the record untouched.
func (s *Store) Decide(approvalID, status, decidedBy, note string) (*Approval, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, fmt.Errorf("decision must be %s or %s", StatusApproved, StatusRejected)
	}

	now := s.now().UTC()
	res, err := s.db.Exec(`UPDATE approvals
		SET status = ?, approved_by = ?, approved_at = ?, decision_note = ?
		WHERE approval_id = ? AND status = 'pending'`,
		status, decidedBy, now.Format(time.RFC3339Nano), note, strings.TrimSpace(approvalID))
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(approvalID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotPending
	}
	return s.Get(approvalID)
}

// Expire marks a pending approval expired. Compare-and-set like
// Decide: a decided approval is left alone.
func (s *Store) Expire(approvalID string) (*Approval, error) {
	res, err := s.db.Exec(`UPDATE approvals SET status = 'expired'
		WHERE approval_id = ? AND status = 'pending'`, strings.TrimSpace(approvalID))
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(approvalID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotPending
	}
	return s.Get(approvalID)
}

func (s *Store) Get(approvalID string) (*Approval, error) {
	row := s.db.QueryRow(approvalColumns+` FROM approvals WHERE approval_id = ?`, strings.TrimSpace(approvalID))
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return approval, err
}

// ListPending returns pending approvals, oldest deadline first.
func (s *Store) ListPending() ([]Approval, error) {
	return s.list(`WHERE status = 'pending' ORDER BY expires_at ASC`)
}

// ListOverdue returns pending approvals whose deadline has passed.
func (s *Store) ListOverdue() ([]Approval, error) {
	rows, err := s.db.Query(approvalColumns+` FROM approvals
		WHERE status = 'pending' AND expires_at <= ? ORDER BY expires_at ASC`,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListByExecution returns every approval raised by one execution.
func (s *Store) ListByExecution(executionID string) ([]Approval, error) {
	rows, err := s.db.Query(approvalColumns+` FROM approvals WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *Store) list(clause string) ([]Approval, error) {
	rows, err := s.db.Query(approvalColumns + ` FROM approvals ` + clause)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

const approvalColumns = `SELECT approval_id, execution_id, playbook_id, step_id, status,
	required_role, context_json, expires_at, approved_by, approved_at, decision_note, created_at`

type approvalScanner interface {
	Scan(dest ...any) error
}

func collectApprovals(rows *sql.Rows) ([]Approval, error) {
	out := make([]Approval, 0)
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			continue
		}
		out = append(out, *approval)
	}
	return out, rows.Err()
}

func scanApproval(row approvalScanner) (*Approval, error) {
	var (
		approval                            Approval
		contextRaw, expiresRaw, approvedRaw string
		createdRaw                          string
	)
	if err := row.Scan(&approval.ApprovalID, &approval.ExecutionID, &approval.PlaybookID,
		&approval.StepID, &approval.Status, &approval.RequiredRole, &contextRaw,
		&expiresRaw, &approval.ApprovedBy, &approvedRaw, &approval.DecisionNote,
		&createdRaw); err != nil {
		return nil, err
	}
	if contextRaw != "" {
		_ = json.Unmarshal([]byte(contextRaw), &approval.Context)
	}
	approval.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresRaw)
	approval.ApprovedAt, _ = time.Parse(time.RFC3339Nano, approvedRaw)
	approval.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	return &approval, nil
}
