package executions

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marlinsec/playbookd/internal/controlplane/sla"
)

// Execution states.
const (
	StateExecuting       = "EXECUTING"
	StateWaitingApproval = "WAITING_APPROVAL"
	StateCompleted       = "COMPLETED"
	StateFailed          = "FAILED"
)

// Step states.
const (
	StepPending   = "PENDING"
	StepExecuting = "EXECUTING"
	StepCompleted = "COMPLETED"
	StepFailed    = "FAILED"
	StepSkipped   = "SKIPPED"
)

// Engine invariant error codes. Fatal to the execution.
const (
	CodeLoopDetected             = "LOOP_DETECTED"
	CodeStepNotFound             = "STEP_NOT_FOUND"
	CodeConditionMissingBranch   = "CONDITION_MISSING_BRANCH"
	CodeApprovalMissingOnTimeout = "APPROVAL_MISSING_ON_TIMEOUT"
	CodeInvalidStateTransition   = "INVALID_STATE_TRANSITION"
	CodeApprovalRejected         = "APPROVAL_REJECTED"
	CodeApprovalTimeout          = "APPROVAL_TIMEOUT"
	CodeCanceled                 = "CANCELED"
)

// StepError is a classified step or execution failure.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// StepRecord mirrors one declared playbook step. Records keep
// declaration order and are updated in place; Visits counts loop-guard
// entries into the step.
type StepRecord struct {
	StepID      string         `json:"step_id"`
	Type        string         `json:"type"`
	State       string         `json:"state"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	RetryCount  int            `json:"retry_count"`
	Visits      int            `json:"visits"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
}

// Execution is one run of a playbook version against one alert.
type Execution struct {
	ExecutionID     string `json:"execution_id"`
	PlaybookID      string `json:"playbook_id"`
	PlaybookVersion int    `json:"playbook_version"`
	State           string `json:"state"`

	TriggerSource string         `json:"trigger_source"`
	TriggerData   map[string]any `json:"trigger_data"`

	// Severity and RuleID are lifted from the alert for list filters.
	Severity string `json:"severity,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`

	Steps []StepRecord `json:"steps"`

	WebhookReceivedAt time.Time `json:"webhook_received_at,omitempty"`
	AcknowledgedAt    time.Time `json:"acknowledged_at,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	ContainmentAt     time.Time `json:"containment_at,omitempty"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	DurationMs        int64     `json:"duration_ms"`

	SLA        sla.Status `json:"sla_status"`
	ApprovalID string     `json:"approval_id,omitempty"`
	Error      *StepError `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the execution reached a final state.
func (e *Execution) Terminal() bool {
	return e.State == StateCompleted || e.State == StateFailed
}

// Step returns the record for a step id, or nil.
func (e *Execution) Step(stepID string) *StepRecord {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return &e.Steps[i]
		}
	}
	return nil
}

// TotalVisits sums loop-guard entries across all steps.
func (e *Execution) TotalVisits() int {
	total := 0
	for i := range e.Steps {
		total += e.Steps[i].Visits
	}
	return total
}

// legalTransitions is the execution state machine. Terminal states
// have no successors.
var legalTransitions = map[string][]string{
	StateExecuting:       {StateWaitingApproval, StateCompleted, StateFailed},
	StateWaitingApproval: {StateExecuting, StateFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var executionSeq atomic.Int64

// NewExecutionID builds a time-ordered sortable id.
func NewExecutionID(now time.Time) string {
	return fmt.Sprintf("EX-%d-%04d", now.UnixNano(), executionSeq.Add(1)%10000)
}
