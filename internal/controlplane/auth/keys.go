// Package auth guards mutating API surfaces with bearer keys. Keys are
// bcrypt-hashed at rest; the plaintext is returned exactly once at
// creation. When no keys are configured the API runs open, which is the
// single-operator default.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Permission scopes what a key may do. Admin implies everything.
type Permission string

const (
	PermPlaybookWrite   Permission = "playbook:write"
	PermWebhookManage   Permission = "webhook:manage"
	PermExecutionRun    Permission = "execution:run"
	PermExecutionCancel Permission = "execution:cancel"
	PermApprovalDecide  Permission = "approval:decide"
	PermConnectorManage Permission = "connector:manage"
	PermSLAManage       Permission = "sla:manage"
	PermAuditRead       Permission = "audit:read"
	PermAdmin           Permission = "admin"
)

// keyPrefix marks playbookd-issued bearer keys.
const keyPrefix = "pbk_"

var (
	ErrNotFound   = errors.New("api key not found")
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyExpired = errors.New("api key expired")
)

// APIKey is the stored shape. KeyHash never serializes.
type APIKey struct {
	KeyID       string       `json:"key_id"`
	Name        string       `json:"name"`
	KeyHash     string       `json:"-"`
	Prefix      string       `json:"prefix"`
	Permissions []Permission `json:"permissions"`
	Enabled     bool         `json:"enabled"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty"`
	LastUsedAt  time.Time    `json:"last_used_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Allows reports whether the key grants a permission.
func (k *APIKey) Allows(perm Permission) bool {
	if k == nil {
		return false
	}
	for _, p := range k.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// KeyStore is the SQLite-backed key registry.
type KeyStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewKeyStore(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		key_id       TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		key_hash     TEXT NOT NULL,
		prefix       TEXT NOT NULL,
		permissions  TEXT NOT NULL DEFAULT '[]',
		enabled      INTEGER NOT NULL DEFAULT 1,
		expires_at   TEXT NOT NULL DEFAULT '',
		last_used_at TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &KeyStore{db: db, now: time.Now}, nil
}

func (ks *KeyStore) Close() error {
	if ks == nil || ks.db == nil {
		return nil
	}
	return ks.db.Close()
}

// SetNow overrides the clock (tests).
func (ks *KeyStore) SetNow(now func() time.Time) {
	if now != nil {
		ks.now = now
	}
}

// Create mints a key and returns the plaintext exactly once. A zero
// expiry means the key never expires.
func (ks *KeyStore) Create(name string, permissions []Permission, expiresAt time.Time) (*APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := ks.now().UTC()
	key := &APIKey{
		KeyID:       "KEY-" + uuid.NewString()[:8],
		Name:        name,
		KeyHash:     string(hash),
		Prefix:      plaintext[:len(keyPrefix)+8],
		Permissions: permissions,
		Enabled:     true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}

	perms, err := json.Marshal(permissions)
	if err != nil {
		return nil, "", fmt.Errorf("marshal permissions: %w", err)
	}
	if _, err := ks.db.Exec(`INSERT INTO api_keys
		(key_id, name, key_hash, prefix, permissions, enabled, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		key.KeyID, key.Name, key.KeyHash, key.Prefix, string(perms),
		timeString(key.ExpiresAt), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, "", fmt.Errorf("insert key: %w", err)
	}
	return key, plaintext, nil
}

// Validate resolves a plaintext bearer key. The prefix narrows the
// lookup before the bcrypt compare.
func (ks *KeyStore) Validate(plaintext string) (*APIKey, error) {
	if len(plaintext) < len(keyPrefix)+8 {
		return nil, ErrInvalidKey
	}
	prefix := plaintext[:len(keyPrefix)+8]

	rows, err := ks.db.Query(`SELECT key_id, name, key_hash, prefix, permissions,
		enabled, expires_at, last_used_at, created_at
		FROM api_keys WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
			continue
		}
		if !key.Enabled {
			return nil, ErrInvalidKey
		}
		if !key.ExpiresAt.IsZero() && ks.now().UTC().After(key.ExpiresAt) {
			return nil, ErrKeyExpired
		}

		key.LastUsedAt = ks.now().UTC()
		_, _ = ks.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`,
			key.LastUsedAt.Format(time.RFC3339Nano), key.KeyID)
		return key, nil
	}
	return nil, ErrInvalidKey
}

// List returns all keys, hashes excluded by the json tag.
func (ks *KeyStore) List() ([]APIKey, error) {
	rows, err := ks.db.Query(`SELECT key_id, name, key_hash, prefix, permissions,
		enabled, expires_at, last_used_at, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []APIKey{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// Revoke disables a key without deleting its audit trail.
func (ks *KeyStore) Revoke(keyID string) error {
	res, err := ks.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE key_id = ?`, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type keyScanner interface {
	Scan(dest ...any) error
}

func scanKey(row keyScanner) (*APIKey, error) {
	var (
		key                              APIKey
		perms, expires, lastUsed, create string
		enabled                          int
	)
	if err := row.Scan(&key.KeyID, &key.Name, &key.KeyHash, &key.Prefix, &perms,
		&enabled, &expires, &lastUsed, &create); err != nil {
		return nil, err
	}
	key.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(perms), &key.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	key.ExpiresAt = parseTime(expires)
	key.LastUsedAt = parseTime(lastUsed)
	key.CreatedAt = parseTime(create)
	return &key, nil
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
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
