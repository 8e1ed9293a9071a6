package sla

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("sla policy not found")
	ErrExists   = errors.New("sla policy already exists for scope")
)

// Store persists SLA policies and resolves the scope chain.
type Store struct {
	db       *sql.DB
	fallback Thresholds
	now      func() time.Time
}

// NewStore opens the policy table. fallback supplies the built-in
// global default used when no stored policy matches.
func NewStore(dbPath string, fallback Thresholds) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sla db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sla_policies (
		policy_id      TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		scope          TEXT NOT NULL UNIQUE,
		acknowledge_ms INTEGER NOT NULL,
		containment_ms INTEGER NOT NULL,
		resolution_ms  INTEGER NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sla_policies: %w", err)
	}

	return &Store{db: db, fallback: fallback, now: time.Now}, nil
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

// Create stores a policy. One policy per scope.
func (s *Store) Create(name, scope string, thresholds Thresholds) (*Policy, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	now := s.now().UTC()
	policy := Policy{
		PolicyID:   "SLA-" + strings.ToUpper(uuid.NewString()[:8]),
		Name:       name,
		Scope:      scope,
		Thresholds: thresholds,
		Enabled:    true,
		CreatedAt:  now,
	}

	_, err := s.db.Exec(`INSERT INTO sla_policies
		(policy_id, name, scope, acknowledge_ms, containment_ms, resolution_ms, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		policy.PolicyID, name, scope,
		thresholds.AcknowledgeMs, thresholds.ContainmentMs, thresholds.ResolutionMs,
		now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return &policy, nil
}

// SetEnabled toggles a policy without deleting it.
func (s *Store) SetEnabled(policyID string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE sla_policies SET enabled = ? WHERE policy_id = ?`,
		boolInt(enabled), strings.TrimSpace(policyID))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Select resolves the policy for an execution: playbook-specific, then
// severity-specific, then the stored global policy, then the built-in
// fallback.
func (s *Store) Select(playbookID, severity string) *Policy {
	for _, scope := range []string{PlaybookScope(playbookID), SeverityScope(severity), ScopeGlobal} {
		if policy, err := s.getByScope(scope); err == nil {
			return policy
		}
	}
	return &Policy{
		PolicyID:   "SLA-DEFAULT",
		Name:       "built-in default",
		Scope:      ScopeGlobal,
		Thresholds: s.fallback,
		Enabled:    true,
	}
}

func (s *Store) getByScope(scope string) (*Policy, error) {
	row := s.db.QueryRow(`SELECT policy_id, name, scope, acknowledge_ms, containment_ms,
		resolution_ms, enabled, created_at FROM sla_policies
		WHERE scope = ? AND enabled = 1`, scope)
	return scanPolicy(row)
}

// Get fetches a policy by id.
func (s *Store) Get(policyID string) (*Policy, error) {
	row := s.db.QueryRow(`SELECT policy_id, name, scope, acknowledge_ms, containment_ms,
		resolution_ms, enabled, created_at FROM sla_policies WHERE policy_id = ?`,
		strings.TrimSpace(policyID))
	return scanPolicy(row)
}

// List returns every policy ordered by scope.
func (s *Store) List() ([]Policy, error) {
	rows, err := s.db.Query(`SELECT policy_id, name, scope, acknowledge_ms, containment_ms,
		resolution_ms, enabled, created_at FROM sla_policies ORDER BY scope ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Policy, 0)
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			continue
		}
		out = append(out, *policy)
	}
	return out, rows.Err()
}

type policyScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row policyScanner) (*Policy, error) {
	var (
		policy     Policy
		enabledRaw int
		createdRaw string
	)
	err := row.Scan(&policy.PolicyID, &policy.Name, &policy.Scope,
		&policy.Thresholds.AcknowledgeMs, &policy.Thresholds.ContainmentMs,
		&policy.Thresholds.ResolutionMs, &enabledRaw, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	policy.Enabled = enabledRaw != 0
	policy.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	return &policy, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
