package executions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marlinsec/playbookd/internal/controlplane/sla"
)

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidTransition = errors.New("illegal execution state transition")
)

// Store persists execution documents. The document is the unit of
// atomicity: state transitions are compare-and-set on the state
// column, and progress saves rewrite the step array wholesale.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open executions db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		execution_id        TEXT PRIMARY KEY,
		playbook_id         TEXT NOT NULL,
		playbook_version    INTEGER NOT NULL,
		state               TEXT NOT NULL,
		trigger_source      TEXT NOT NULL DEFAULT '',
		severity            TEXT NOT NULL DEFAULT '',
		rule_id             TEXT NOT NULL DEFAULT '',
		trigger_json        TEXT NOT NULL DEFAULT '{}',
		steps_json          TEXT NOT NULL DEFAULT '[]',
		sla_json            TEXT NOT NULL DEFAULT '{}',
		approval_id         TEXT NOT NULL DEFAULT '',
		error_json          TEXT NOT NULL DEFAULT '',
		webhook_received_at TEXT NOT NULL DEFAULT '',
		acknowledged_at     TEXT NOT NULL DEFAULT '',
		started_at          TEXT NOT NULL DEFAULT '',
		containment_at      TEXT NOT NULL DEFAULT '',
		completed_at        TEXT NOT NULL DEFAULT '',
		duration_ms         INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create executions: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_playbook ON executions(playbook_id, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &Store{db: db, now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
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

// Lock acquires the per-execution mutex. Only one goroutine advances a
// given execution at a time; the returned func releases it.
func (s *Store) Lock(executionID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[executionID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ReleaseLock drops the mutex entry for a terminal execution.
func (s *Store) ReleaseLock(executionID string) {
	s.mu.Lock()
	delete(s.locks, executionID)
	s.mu.Unlock()
}

// Create inserts a fresh execution document.
func (s *Store) Create(exec *Execution) error {
	now := s.now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	triggerRaw, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("encode trigger data: %w", err)
	}
	stepsRaw, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	slaRaw, err := json.Marshal(exec.SLA)
	if err != nil {
		return fmt.Errorf("encode sla: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO executions
		(execution_id, playbook_id, playbook_version, state, trigger_source, severity, rule_id,
		 trigger_json, steps_json, sla_json, approval_id,
		 webhook_received_at, acknowledged_at, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.PlaybookID, exec.PlaybookVersion, exec.State,
		exec.TriggerSource, exec.Severity, exec.RuleID,
		string(triggerRaw), string(stepsRaw), string(slaRaw), exec.ApprovalID,
		timeString(exec.WebhookReceivedAt), timeString(exec.AcknowledgedAt),
		timeString(exec.StartedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Transition performs the compare-and-set state move. Illegal or raced
// transitions return ErrInvalidTransition.
func (s *Store) Transition(executionID, from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res, err := s.db.Exec(`UPDATE executions SET state = ?, updated_at = ?
		WHERE execution_id = ? AND state = ?`,
		to, s.now().UTC().Format(time.RFC3339Nano), executionID, from)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(executionID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s lost the race", ErrInvalidTransition, from, to)
	}
	return nil
}

// SaveProgress rewrites the mutable parts of the document: steps,
// timestamps, SLA status, approval binding and the execution error.
// State is deliberately not written here; Transition owns it.
func (s *Store) SaveProgress(exec *Execution) error {
	stepsRaw, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	slaRaw, err := json.Marshal(exec.SLA)
	if err != nil {
		return fmt.Errorf("encode sla: %w", err)
	}
	errorRaw := ""
	if exec.Error != nil {
		data, err := json.Marshal(exec.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		errorRaw = string(data)
	}

	now := s.now().UTC()
	exec.UpdatedAt = now
	res, err := s.db.Exec(`UPDATE executions SET
		steps_json = ?, sla_json = ?, approval_id = ?, error_json = ?,
		acknowledged_at = ?, started_at = ?, containment_at = ?, completed_at = ?,
		duration_ms = ?, updated_at = ?
		WHERE execution_id = ?`,
		string(stepsRaw), string(slaRaw), exec.ApprovalID, errorRaw,
		timeString(exec.AcknowledgedAt), timeString(exec.StartedAt),
		timeString(exec.ContainmentAt), timeString(exec.CompletedAt),
		exec.DurationMs, now.Format(time.RFC3339Nano), exec.ExecutionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(executionID string) (*Execution, error) {
	row := s.db.QueryRow(executionColumns+` FROM executions WHERE execution_id = ?`,
		strings.TrimSpace(executionID))
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return exec, err
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	State      string
	PlaybookID string
	Severity   string
	RuleID     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
	SortAsc    bool
}

// List returns executions matching the filter, newest first unless
// SortAsc.
func (s *Store) List(f Filter) ([]Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, strings.ToUpper(f.State))
	}
	if f.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, strings.ToUpper(f.PlaybookID))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query := executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.SortAsc {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(f.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			continue
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

// CountActive reports how many executions are not terminal.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE state IN (?, ?)`,
		StateExecuting, StateWaitingApproval).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

const executionColumns = `SELECT execution_id, playbook_id, playbook_version, state,
	trigger_source, severity, rule_id, trigger_json, steps_json, sla_json, approval_id,
	error_json, webhook_received_at, acknowledged_at, started_at, containment_at,
	completed_at, duration_ms, created_at, updated_at`

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row executionScanner) (*Execution, error) {
	var (
		exec                              Execution
		triggerRaw, stepsRaw, slaRaw      string
		errorRaw                          string
		receivedRaw, ackRaw, startedRaw   string
		containRaw, completedRaw          string
		createdRaw, updatedRaw            string
	)
	if err := row.Scan(&exec.ExecutionID, &exec.PlaybookID, &exec.PlaybookVersion, &exec.State,
		&exec.TriggerSource, &exec.Severity, &exec.RuleID, &triggerRaw, &stepsRaw, &slaRaw,
		&exec.ApprovalID, &errorRaw, &receivedRaw, &ackRaw, &startedRaw, &containRaw,
		&completedRaw, &exec.DurationMs, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(triggerRaw), &exec.TriggerData)
	_ = json.Unmarshal([]byte(stepsRaw), &exec.Steps)
	if slaRaw != "" {
		var status sla.Status
		if err := json.Unmarshal([]byte(slaRaw), &status); err == nil {
			exec.SLA = status
		}
	}
	if errorRaw != "" {
		var stepErr StepError
		if err := json.Unmarshal([]byte(errorRaw), &stepErr); err == nil {
			exec.Error = &stepErr
		}
	}

	exec.WebhookReceivedAt = parseTime(receivedRaw)
	exec.AcknowledgedAt = parseTime(ackRaw)
	exec.StartedAt = parseTime(startedRaw)
	exec.ContainmentAt = parseTime(containRaw)
	exec.CompletedAt = parseTime(completedRaw)
	exec.CreatedAt = parseTime(createdRaw)
	exec.UpdatedAt = parseTime(updatedRaw)
	return &exec, nil
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}
