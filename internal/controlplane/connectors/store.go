package connectors

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

var (
	ErrRecordNotFound = errors.New("connector not found")
	ErrRecordExists   = errors.New("connector already exists")
)

// Record is one persisted connector instance: a named, configured
// binding of an implementation type.
type Record struct {
	ConnectorID string         `json:"connector_id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Active      bool           `json:"active"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists connector records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open connector db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS connectors (
		connector_id TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		type         TEXT NOT NULL,
		active       INTEGER NOT NULL DEFAULT 1,
		config_json  TEXT NOT NULL DEFAULT '{}',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create connectors: %w", err)
	}

	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_connectors_name ON connectors(name)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_connectors_type ON connectors(type)`)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a record. An empty connector_id gets a generated one.
func (s *Store) Create(rec Record) (*Record, error) {
	rec.ConnectorID = strings.TrimSpace(rec.ConnectorID)
	rec.Name = strings.TrimSpace(rec.Name)
	rec.Type = strings.ToLower(strings.TrimSpace(rec.Type))
	if rec.Name == "" || rec.Type == "" {
		return nil, fmt.Errorf("connector name and type are required")
	}
	if rec.ConnectorID == "" {
		rec.ConnectorID = "CN-" + strings.ToUpper(uuid.NewString()[:8])
	}
	if rec.Config == nil {
		rec.Config = map[string]any{}
	}

	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	configRaw, err := json.Marshal(rec.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO connectors
		(connector_id, name, type, active, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ConnectorID, rec.Name, rec.Type, boolInt(rec.Active), string(configRaw),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrRecordExists
		}
		return nil, fmt.Errorf("insert connector: %w", err)
	}
	return s.Get(rec.ConnectorID)
}

// Update rewrites name, active flag and config.
func (s *Store) Update(connectorID string, name string, active bool, config map[string]any) (*Record, error) {
	if config == nil {
		config = map[string]any{}
	}
	configRaw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	res, err := s.db.Exec(`UPDATE connectors
		SET name = ?, active = ?, config_json = ?, updated_at = ?
		WHERE connector_id = ?`,
		strings.TrimSpace(name), boolInt(active), string(configRaw),
		s.now().UTC().Format(time.RFC3339Nano), strings.TrimSpace(connectorID))
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrRecordNotFound
	}
	return s.Get(connectorID)
}

// Delete removes a record.
func (s *Store) Delete(connectorID string) error {
	res, err := s.db.Exec(`DELETE FROM connectors WHERE connector_id = ?`, strings.TrimSpace(connectorID))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get fetches by connector_id.
func (s *Store) Get(connectorID string) (*Record, error) {
	row := s.db.QueryRow(`SELECT connector_id, name, type, active, config_json, created_at, updated_at
		FROM connectors WHERE connector_id = ?`, strings.TrimSpace(connectorID))
	return scanRecord(row)
}

// Lookup resolves a reference: exact connector_id first, then the first
// active record of that type, then exact name.
func (s *Store) Lookup(ref string) (*Record, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrRecordNotFound
	}

	if rec, err := s.Get(ref); err == nil {
		return rec, nil
	}

	row := s.db.QueryRow(`SELECT connector_id, name, type, active, config_json, created_at, updated_at
		FROM connectors WHERE type = ? AND active = 1 ORDER BY created_at ASC LIMIT 1`, strings.ToLower(ref))
	if rec, err := scanRecord(row); err == nil {
		return rec, nil
	}

	row = s.db.QueryRow(`SELECT connector_id, name, type, active, config_json, created_at, updated_at
		FROM connectors WHERE name = ?`, ref)
	return scanRecord(row)
}

// List returns every record, name order.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT connector_id, name, type, active, config_json, created_at, updated_at
		FROM connectors ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRecordRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanRecordRows(row recordScanner) (*Record, error) {
	var (
		rec                                Record
		activeRaw                          int
		configRaw, createdRaw, updatedRaw string
	)
	if err := row.Scan(&rec.ConnectorID, &rec.Name, &rec.Type, &activeRaw, &configRaw, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rec.Active = activeRaw != 0
	_ = json.Unmarshal([]byte(configRaw), &rec.Config)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
