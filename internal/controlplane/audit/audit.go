// Package audit provides an append-only audit log for the playbook
// engine. Every ingress acceptance, execution transition, approval
// decision, and configuration change is recorded. Recording is
// best-effort: it never fails the caller.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action classifies audit events. The set is closed; new actions are
// added here, never inlined at call sites.
type Action string

const (
	ActionWebhookReceived   Action = "webhook.received"
	ActionWebhookAccepted   Action = "webhook.accepted"
	ActionWebhookCreated    Action = "webhook.created"
	ActionWebhookRotated    Action = "webhook.secret_rotated"
	ActionWebhookSuspended  Action = "webhook.suspended"
	ActionPlaybookCreated   Action = "playbook.created"
	ActionPlaybookUpdated   Action = "playbook.updated"
	ActionPlaybookToggled   Action = "playbook.toggled"
	ActionExecutionCreated  Action = "execution.created"
	ActionExecutionStarted  Action = "execution.started"
	ActionExecutionComplete Action = "execution.completed"
	ActionExecutionFailed   Action = "execution.failed"
	ActionExecutionCanceled Action = "execution.canceled"
	ActionStepCompleted     Action = "step.completed"
	ActionStepFailed        Action = "step.failed"
	ActionStepRetried       Action = "step.retry"
	ActionShadowSkipped     Action = "action.skipped.shadow_mode"
	ActionApprovalRequested Action = "approval.requested"
	ActionApprovalDecided   Action = "approval.decided"
	ActionApprovalExpired   Action = "approval.expired"
	ActionConnectorCreated  Action = "connector.created"
	ActionConnectorUpdated  Action = "connector.updated"
	ActionConnectorDeleted  Action = "connector.deleted"
	ActionConnectorTested   Action = "connector.tested"
	ActionSLABreached       Action = "sla.breached"
	ActionAPIKeyCreated     Action = "api_key.created"
	ActionAPIKeyRevoked     Action = "api_key.revoked"
)

// Outcome marks whether the audited operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a single audit log entry with the fixed envelope.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Actor        string    `json:"actor,omitempty"`
	Details      any       `json:"details,omitempty"`
	Outcome      Outcome   `json:"outcome"`
}

// Log is an in-memory append-only audit log with a bounded ring.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Outcome == "" {
		evt.Outcome = OutcomeSuccess
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)

	// Ring buffer: drop oldest when over capacity
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit records an event with minimal arguments.
func (l *Log) Emit(action Action, resourceType, resourceID, actor string, details any) {
	l.Record(Event{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
	})
}

// Filter selects events for Query.
type Filter struct {
	Action       Action
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Query returns filtered events, newest first. Limit 0 means all.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.Action != "" && evt.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && evt.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && evt.ResourceID != f.ResourceID {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
