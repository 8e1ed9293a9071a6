package webhooks

import (
	"time"

	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
)

// Webhook statuses.
const (
	StatusActive    = "active"
	StatusDisabled  = "disabled"
	StatusSuspended = "suspended"
)

// Webhook is the per-playbook ingress endpoint record. Exactly one
// webhook exists per playbook_id.
type Webhook struct {
	WebhookID  string `json:"webhook_id"`
	PlaybookID string `json:"playbook_id"`
	Status     string `json:"status"`
	Enabled    bool   `json:"enabled"`

	// Secret is the 32-byte hex HMAC key. Never serialized; the
	// non-secret SecretPrefix (first 8 hex chars) is shown instead.
	Secret           string `json:"-"`
	SecretPrefix     string `json:"secret_prefix"`
	RequireSignature bool   `json:"require_signature"`
	RotationCount    int    `json:"rotation_count"`
	RotatedAt        time.Time `json:"rotated_at,omitempty"`

	// Per-webhook rate limit window.
	MaxRequests       int `json:"max_requests"`
	TimeWindowSeconds int `json:"time_window_seconds"`

	// AbuseWindows counts consecutive closed windows over the cap;
	// crossing the threshold auto-suspends.
	AbuseWindows  int    `json:"abuse_windows"`
	SuspendReason string `json:"suspend_reason,omitempty"`

	// Trigger decides whether an accepted alert starts an execution.
	// Bound one-to-one with the webhook. A nil trigger matches everything.
	Trigger *triggers.Trigger `json:"trigger,omitempty"`

	Stats Stats `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats are running webhook delivery counters.
type Stats struct {
	Received  int64 `json:"received"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Dropped   int64 `json:"dropped"`
	Errors    int64 `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
	LastReceivedAt time.Time `json:"last_received_at,omitempty"`
	LastAcceptedAt time.Time `json:"last_accepted_at,omitempty"`
}

// Receivable reports whether the webhook may accept deliveries.
func (w Webhook) Receivable() bool {
	return w.Status == StatusActive && w.Enabled
}
