package playbooks

import "time"

// Step types. The set is closed; the engine dispatches on it.
const (
	StepEnrichment   = "enrichment"
	StepCondition    = "condition"
	StepApproval     = "approval"
	StepAction       = "action"
	StepNotification = "notification"
)

// EndTarget is the reserved branch target that completes an execution.
const EndTarget = "__END__"

// On-failure behaviors for connector-backed steps.
const (
	FailureStop     = "stop"
	FailureContinue = "continue"
	FailureSkip     = "skip"
)

// Playbook is one immutable version of a declarative workflow.
type Playbook struct {
	PlaybookID    string    `json:"playbook_id"`
	Version       int       `json:"version"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Enabled       bool      `json:"enabled"`
	DSL           DSL       `json:"dsl"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
	ChangeSummary string    `json:"change_summary,omitempty"`
}

// DSL is the embedded workflow document.
type DSL struct {
	ShadowMode bool   `json:"shadow_mode,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Steps      []Step `json:"steps"`
}

// Step is one node in the workflow.
//
// Connector-backed steps (enrichment, action, notification) carry
// ConnectorID, ActionType, Input and optionally RetryPolicy. Condition
// steps carry Condition plus mandatory OnTrue/OnFalse. Approval steps
// carry the approval routing fields with OnTimeout mandatory.
type Step struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type"`

	ConnectorID    string            `json:"connector_id,omitempty"`
	ActionType     string            `json:"action_type,omitempty"`
	Input          map[string]string `json:"input,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy,omitempty"`

	Condition *Condition `json:"condition,omitempty"`
	OnTrue    string     `json:"on_true,omitempty"`
	OnFalse   string     `json:"on_false,omitempty"`

	RequiredRole string  `json:"required_role,omitempty"`
	TimeoutHours float64 `json:"timeout_hours,omitempty"`
	OnApproved   string  `json:"on_approved,omitempty"`
	OnRejected   string  `json:"on_rejected,omitempty"`
	OnTimeout    string  `json:"on_timeout,omitempty"`

	OnSuccess *Outcome `json:"on_success,omitempty"`
	OnFailure string   `json:"on_failure,omitempty"`
}

// Outcome routes a successful step: {behavior: end} completes the
// execution, goto jumps, neither advances sequentially.
type Outcome struct {
	Behavior string `json:"behavior,omitempty"`
	Goto     string `json:"goto,omitempty"`
}

// Condition is the predicate evaluated by a condition step against the
// execution context.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// RetryPolicy bounds re-execution of a failed connector-backed step.
type RetryPolicy struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"max_attempts"`
	DelaySeconds      float64 `json:"delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelaySeconds   float64 `json:"max_delay_seconds"`
}

// Summary is the listing shape for playbooks.
type Summary struct {
	PlaybookID    string    `json:"playbook_id"`
	Version       int       `json:"version"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Enabled       bool      `json:"enabled"`
	ShadowMode    bool      `json:"shadow_mode"`
	StepCount     int       `json:"step_count"`
	CreatedAt     time.Time `json:"created_at"`
	ChangeSummary string    `json:"change_summary,omitempty"`
}

// IsConnectorBacked reports whether the step invokes a connector.
func (s Step) IsConnectorBacked() bool {
	switch s.Type {
	case StepEnrichment, StepAction, StepNotification:
		return true
	default:
		return false
	}
}
