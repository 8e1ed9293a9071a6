package webhooks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
	"github.com/marlinsec/playbookd/internal/shared/signing"
)

var (
	ErrNotFound = errors.New("webhook not found")
	ErrExists   = errors.New("webhook already exists for playbook")
)

// Default per-webhook rate window.
const (
	defaultMaxRequests       = 60
	defaultTimeWindowSeconds = 60
)

// abuseSuspendThreshold is the number of consecutive over-cap windows
// before auto-suspension.
const abuseSuspendThreshold = 3

// Store persists webhook records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open webhook db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS webhooks (
		webhook_id          TEXT PRIMARY KEY,
		playbook_id         TEXT NOT NULL UNIQUE,
		status              TEXT NOT NULL DEFAULT 'active',
		enabled             INTEGER NOT NULL DEFAULT 1,
		secret              TEXT NOT NULL,
		secret_prefix       TEXT NOT NULL,
		require_signature   INTEGER NOT NULL DEFAULT 1,
		rotation_count      INTEGER NOT NULL DEFAULT 0,
		rotated_at          TEXT NOT NULL DEFAULT '',
		max_requests        INTEGER NOT NULL,
		time_window_seconds INTEGER NOT NULL,
		abuse_windows       INTEGER NOT NULL DEFAULT 0,
		suspend_reason      TEXT NOT NULL DEFAULT '',
		trigger_json        TEXT NOT NULL DEFAULT '',
		received            INTEGER NOT NULL DEFAULT 0,
		accepted            INTEGER NOT NULL DEFAULT 0,
		rejected            INTEGER NOT NULL DEFAULT 0,
		dropped             INTEGER NOT NULL DEFAULT 0,
		errors              INTEGER NOT NULL DEFAULT 0,
		avg_ms              REAL NOT NULL DEFAULT 0,
		last_received_at    TEXT NOT NULL DEFAULT '',
		last_accepted_at    TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create webhooks: %w", err)
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

// Create provisions the webhook for a playbook. The full secret is
// returned exactly once, on the created record.
func (s *Store) Create(playbookID string, requireSignature bool) (*Webhook, error) {
	playbookID = strings.ToUpper(strings.TrimSpace(playbookID))
	if playbookID == "" {
		return nil, fmt.Errorf("playbook_id is required")
	}

	secret, err := signing.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := s.now().UTC()
	hook := Webhook{
		WebhookID:         newWebhookID(now),
		PlaybookID:        playbookID,
		Status:            StatusActive,
		Enabled:           true,
		Secret:            secret,
		SecretPrefix:      secret[:8],
		RequireSignature:  requireSignature,
		MaxRequests:       defaultMaxRequests,
		TimeWindowSeconds: defaultTimeWindowSeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = s.db.Exec(`INSERT INTO webhooks
		(webhook_id, playbook_id, status, enabled, secret, secret_prefix, require_signature,
		 max_requests, time_window_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hook.WebhookID, hook.PlaybookID, hook.Status, 1, hook.Secret, hook.SecretPrefix,
		boolInt(requireSignature), hook.MaxRequests, hook.TimeWindowSeconds,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return &hook, nil
}

// RotateSecret replaces the secret, bumps the counter and returns the
// new secret exactly once.
func (s *Store) RotateSecret(webhookID string) (*Webhook, error) {
	secret, err := signing.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	now := s.now().UTC()

	res, err := s.db.Exec(`UPDATE webhooks
		SET secret = ?, secret_prefix = ?, rotation_count = rotation_count + 1,
		    rotated_at = ?, updated_at = ?
		WHERE webhook_id = ?`,
		secret, secret[:8], now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		strings.TrimSpace(webhookID))
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}

	hook, err := s.Get(webhookID)
	if err != nil {
		return nil, err
	}
	hook.Secret = secret
	return hook, nil
}

// SetStatus updates status/enabled. Reactivating clears the abuse
// counter and suspend reason.
func (s *Store) SetStatus(webhookID, status string, enabled bool, reason string) (*Webhook, error) {
	now := s.now().UTC()
	clearAbuse := 0
	if status == StatusActive {
		reason = ""
	}
	res, err := s.db.Exec(`UPDATE webhooks
		SET status = ?, enabled = ?, suspend_reason = ?,
		    abuse_windows = CASE WHEN ? = 'active' THEN ? ELSE abuse_windows END,
		    updated_at = ?
		WHERE webhook_id = ?`,
		status, boolInt(enabled), reason, status, clearAbuse,
		now.Format(time.RFC3339Nano), strings.TrimSpace(webhookID))
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(webhookID)
}

// RecordAbuseWindow increments the consecutive over-cap window counter
// and auto-suspends past the threshold. It reports whether the webhook
// was suspended by this call.
func (s *Store) RecordAbuseWindow(webhookID string) (bool, error) {
	hook, err := s.Get(webhookID)
	if err != nil {
		return false, err
	}
	windows := hook.AbuseWindows + 1
	if windows >= abuseSuspendThreshold {
		reason := fmt.Sprintf("sustained abuse: %d consecutive rate windows over cap", windows)
		_, err := s.db.Exec(`UPDATE webhooks
			SET abuse_windows = ?, status = ?, suspend_reason = ?, updated_at = ?
			WHERE webhook_id = ?`,
			windows, StatusSuspended, reason,
			s.now().UTC().Format(time.RFC3339Nano), hook.WebhookID)
		return err == nil, err
	}
	_, err = s.db.Exec(`UPDATE webhooks SET abuse_windows = ?, updated_at = ? WHERE webhook_id = ?`,
		windows, s.now().UTC().Format(time.RFC3339Nano), hook.WebhookID)
	return false, err
}

// SetTrigger binds (or clears, when nil) the webhook's trigger.
func (s *Store) SetTrigger(webhookID string, trigger *triggers.Trigger) error {
	raw := ""
	if trigger != nil {
		data, err := json.Marshal(trigger)
		if err != nil {
			return fmt.Errorf("encode trigger: %w", err)
		}
		raw = string(data)
	}
	res, err := s.db.Exec(`UPDATE webhooks SET trigger_json = ?, updated_at = ? WHERE webhook_id = ?`,
		raw, s.now().UTC().Format(time.RFC3339Nano), strings.TrimSpace(webhookID))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAbuseWindows resets the counter after a clean window.
func (s *Store) ClearAbuseWindows(webhookID string) error {
	_, err := s.db.Exec(`UPDATE webhooks SET abuse_windows = 0 WHERE webhook_id = ?`, strings.TrimSpace(webhookID))
	return err
}

// Delivery outcomes for stats recording.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
	OutcomeError    = "error"
)

// RecordDelivery updates the running counters and the average
// processing duration.
func (s *Store) RecordDelivery(webhookID, outcome string, processing time.Duration) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	column := ""
	acceptedAt := ""
	switch outcome {
	case OutcomeAccepted:
		column = "accepted"
		acceptedAt = now
	case OutcomeRejected:
		column = "rejected"
	case OutcomeDropped:
		column = "dropped"
	case OutcomeError:
		column = "errors"
	default:
		return fmt.Errorf("unknown delivery outcome %q", outcome)
	}

	query := fmt.Sprintf(`UPDATE webhooks
		SET received = received + 1,
		    %s = %s + 1,
		    avg_ms = CASE WHEN received = 0 THEN ?
		             ELSE (avg_ms * received + ?) / (received + 1) END,
		    last_received_at = ?,
		    last_accepted_at = CASE WHEN ? != '' THEN ? ELSE last_accepted_at END,
		    updated_at = ?
		WHERE webhook_id = ?`, column, column)

	ms := float64(processing.Microseconds()) / 1000.0
	_, err := s.db.Exec(query, ms, ms, now, acceptedAt, acceptedAt, now, strings.TrimSpace(webhookID))
	return err
}

// Get fetches by webhook_id, secret included.
func (s *Store) Get(webhookID string) (*Webhook, error) {
	row := s.db.QueryRow(selectColumns+` FROM webhooks WHERE webhook_id = ?`, strings.TrimSpace(webhookID))
	return scanWebhook(row)
}

// GetByPlaybook fetches the webhook bound to a playbook.
func (s *Store) GetByPlaybook(playbookID string) (*Webhook, error) {
	row := s.db.QueryRow(selectColumns+` FROM webhooks WHERE playbook_id = ?`,
		strings.ToUpper(strings.TrimSpace(playbookID)))
	return scanWebhook(row)
}

// List returns every webhook, newest first.
func (s *Store) List() ([]Webhook, error) {
	rows, err := s.db.Query(selectColumns + ` FROM webhooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Webhook, 0)
	for rows.Next() {
		hook, err := scanWebhookRows(rows)
		if err != nil {
			continue
		}
		hook.Secret = ""
		out = append(out, *hook)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT webhook_id, playbook_id, status, enabled, secret, secret_prefix,
	require_signature, rotation_count, rotated_at, max_requests, time_window_seconds,
	abuse_windows, suspend_reason, trigger_json, received, accepted, rejected, dropped, errors, avg_ms,
	last_received_at, last_accepted_at, created_at, updated_at`

type webhookScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row *sql.Row) (*Webhook, error) {
	hook, err := scanWebhookRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return hook, nil
}

func scanWebhookRows(row webhookScanner) (*Webhook, error) {
	var (
		hook                                Webhook
		enabledRaw, requireSigRaw           int
		rotatedRaw, lastRecvRaw, lastAccRaw string
		triggerRaw                          string
		createdRaw, updatedRaw              string
	)
	if err := row.Scan(&hook.WebhookID, &hook.PlaybookID, &hook.Status, &enabledRaw,
		&hook.Secret, &hook.SecretPrefix, &requireSigRaw, &hook.RotationCount, &rotatedRaw,
		&hook.MaxRequests, &hook.TimeWindowSeconds, &hook.AbuseWindows, &hook.SuspendReason,
		&triggerRaw,
		&hook.Stats.Received, &hook.Stats.Accepted, &hook.Stats.Rejected, &hook.Stats.Dropped,
		&hook.Stats.Errors, &hook.Stats.AvgMillis, &lastRecvRaw, &lastAccRaw,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	hook.Enabled = enabledRaw != 0
	hook.RequireSignature = requireSigRaw != 0
	if triggerRaw != "" {
		var trigger triggers.Trigger
		if err := json.Unmarshal([]byte(triggerRaw), &trigger); err == nil {
			hook.Trigger = &trigger
		}
	}
	hook.RotatedAt, _ = time.Parse(time.RFC3339Nano, rotatedRaw)
	hook.Stats.LastReceivedAt, _ = time.Parse(time.RFC3339Nano, lastRecvRaw)
	hook.Stats.LastAcceptedAt, _ = time.Parse(time.RFC3339Nano, lastAccRaw)
	hook.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	hook.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	return &hook, nil
}

// newWebhookID builds a WH-<base36> id from the creation time plus a
// random suffix, keeping ids short and roughly sortable.
func newWebhookID(now time.Time) string {
	stamp := strconv.FormatInt(now.UnixMicro(), 36)
	suffix := strconv.FormatInt(rand.Int63n(36*36*36), 36)
	return "WH-" + strings.ToUpper(stamp+suffix)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
