package playbooks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("playbook not found")
	ErrAlreadyExists = errors.New("playbook already exists")
)

// Store persists playbook versions. Versions are append-only: an update
// inserts version N+1 and never touches stored rows except the enabled
// flag, which the single-active invariant flips inside one transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open playbook db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS playbooks (
		playbook_id    TEXT NOT NULL,
		version        INTEGER NOT NULL,
		name           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		enabled        INTEGER NOT NULL DEFAULT 0,
		dsl_json       TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		created_by     TEXT NOT NULL DEFAULT '',
		change_summary TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (playbook_id, version)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create playbooks: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_playbooks_enabled ON playbooks(playbook_id, enabled)`)

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

// Create inserts version 1 of a new playbook. The caller may not pick a
// version; enabling happens through the single-active path.
func (s *Store) Create(pb Playbook) (*Playbook, error) {
	if _, err := Validate(&pb); err != nil {
		return nil, err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM playbooks WHERE playbook_id = ?`, pb.PlaybookID).Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}

	pb.Version = 1
	pb.CreatedAt = s.now().UTC()
	return s.insert(pb)
}

// Update appends version N+1 for an existing playbook. When enabled is
// true the new version becomes the single active one atomically.
func (s *Store) Update(playbookID string, pb Playbook, enable bool) (*Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	pb.PlaybookID = playbookID
	if _, err := Validate(&pb); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(version) FROM playbooks WHERE playbook_id = ?`, playbookID).Scan(&maxVersion); err != nil {
		return nil, err
	}
	if !maxVersion.Valid || maxVersion.Int64 == 0 {
		return nil, ErrNotFound
	}

	pb.Version = int(maxVersion.Int64) + 1
	pb.Enabled = enable
	pb.CreatedAt = s.now().UTC()

	payload, err := json.Marshal(pb.DSL)
	if err != nil {
		return nil, fmt.Errorf("marshal dsl: %w", err)
	}

	if enable {
		if _, err := tx.Exec(`UPDATE playbooks SET enabled = 0 WHERE playbook_id = ?`, playbookID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(`INSERT INTO playbooks
		(playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pb.PlaybookID, pb.Version, pb.Name, pb.Description, boolInt(pb.Enabled),
		string(payload), pb.CreatedAt.Format(time.RFC3339Nano), pb.CreatedBy, pb.ChangeSummary,
	); err != nil {
		return nil, fmt.Errorf("insert playbook version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(playbookID, pb.Version)
}

// SetEnabled toggles one version. Enabling disables every other version
// of the playbook in the same transaction (single-active invariant).
func (s *Store) SetEnabled(playbookID string, version int, enabled bool) (*Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if enabled {
		if _, err := tx.Exec(`UPDATE playbooks SET enabled = 0 WHERE playbook_id = ?`, playbookID); err != nil {
			return nil, err
		}
	}
	res, err := tx.Exec(`UPDATE playbooks SET enabled = ? WHERE playbook_id = ? AND version = ?`,
		boolInt(enabled), playbookID, version)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(playbookID, version)
}

// Get returns one exact version.
func (s *Store) Get(playbookID string, version int) (*Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	row := s.db.QueryRow(`SELECT playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary
		FROM playbooks WHERE playbook_id = ? AND version = ?`, playbookID, version)
	return scanPlaybook(row)
}

// GetActive returns the single enabled version, if any.
func (s *Store) GetActive(playbookID string) (*Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	row := s.db.QueryRow(`SELECT playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary
		FROM playbooks WHERE playbook_id = ? AND enabled = 1`, playbookID)
	return scanPlaybook(row)
}

// Latest returns the highest version regardless of enabled state.
func (s *Store) Latest(playbookID string) (*Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	row := s.db.QueryRow(`SELECT playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary
		FROM playbooks WHERE playbook_id = ?
		ORDER BY version DESC LIMIT 1`, playbookID)
	return scanPlaybook(row)
}

// Versions returns every stored version of one playbook, oldest first.
func (s *Store) Versions(playbookID string) ([]Playbook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	rows, err := s.db.Query(`SELECT playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary
		FROM playbooks WHERE playbook_id = ? ORDER BY version ASC`, playbookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Playbook, 0)
	for rows.Next() {
		pb, err := scanPlaybookRows(rows)
		if err != nil {
			continue
		}
		out = append(out, *pb)
	}
	return out, rows.Err()
}

// List returns the latest version of every playbook as summaries.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT p.playbook_id, p.version, p.name, p.description, p.enabled, p.dsl_json, p.created_at, p.change_summary
		FROM playbooks p
		INNER JOIN (SELECT playbook_id, MAX(version) AS version FROM playbooks GROUP BY playbook_id) latest
			ON p.playbook_id = latest.playbook_id AND p.version = latest.version
		ORDER BY p.playbook_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			summary      Summary
			enabledRaw   int
			dslRaw       string
			createdAtRaw string
		)
		if err := rows.Scan(&summary.PlaybookID, &summary.Version, &summary.Name, &summary.Description,
			&enabledRaw, &dslRaw, &createdAtRaw, &summary.ChangeSummary); err != nil {
			continue
		}
		summary.Enabled = enabledRaw != 0
		var dsl DSL
		if err := json.Unmarshal([]byte(dslRaw), &dsl); err == nil {
			summary.StepCount = len(dsl.Steps)
			summary.ShadowMode = dsl.ShadowMode
		}
		summary.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtRaw)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// EnabledCount reports how many versions of a playbook are enabled.
// The single-active invariant keeps this at 0 or 1.
func (s *Store) EnabledCount(playbookID string) (int, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM playbooks WHERE playbook_id = ? AND enabled = 1`, playbookID).Scan(&count)
	return count, err
}

func (s *Store) insert(pb Playbook) (*Playbook, error) {
	payload, err := json.Marshal(pb.DSL)
	if err != nil {
		return nil, fmt.Errorf("marshal dsl: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO playbooks
		(playbook_id, version, name, description, enabled, dsl_json, created_at, created_by, change_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pb.PlaybookID, pb.Version, pb.Name, pb.Description, boolInt(pb.Enabled),
		string(payload), pb.CreatedAt.Format(time.RFC3339Nano), pb.CreatedBy, pb.ChangeSummary,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert playbook: %w", err)
	}
	return s.Get(pb.PlaybookID, pb.Version)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlaybook(row *sql.Row) (*Playbook, error) {
	pb, err := scanPlaybookRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pb, nil
}

func scanPlaybookRows(row rowScanner) (*Playbook, error) {
	var (
		pb           Playbook
		enabledRaw   int
		dslRaw       string
		createdAtRaw string
	)
	if err := row.Scan(&pb.PlaybookID, &pb.Version, &pb.Name, &pb.Description,
		&enabledRaw, &dslRaw, &createdAtRaw, &pb.CreatedBy, &pb.ChangeSummary); err != nil {
		return nil, err
	}
	pb.Enabled = enabledRaw != 0
	if err := json.Unmarshal([]byte(dslRaw), &pb.DSL); err != nil {
		return nil, fmt.Errorf("decode dsl: %w", err)
	}
	pb.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtRaw)
	return &pb, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
