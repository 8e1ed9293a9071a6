// Package sla stamps executions with service-level thresholds, measures
// the actuals at the natural boundaries, and classifies breaches.
package sla

import (
	"strings"
	"time"
)

// Policy scopes, most specific first.
const (
	ScopeGlobal = "global"

	scopePlaybookPrefix = "playbook:"
	scopeSeverityPrefix = "severity:"
)

// Breach reasons.
const (
	ReasonAutomationFailure       = "automation_failure"
	ReasonExternalDependencyDelay = "external_dependency_delay"
	ReasonManualInterventionDelay = "manual_intervention_delay"
)

// Thresholds are the three SLA dimensions in milliseconds.
type Thresholds struct {
	AcknowledgeMs int64 `json:"acknowledge_ms"`
	ContainmentMs int64 `json:"containment_ms"`
	ResolutionMs  int64 `json:"resolution_ms"`
}

// Policy binds thresholds to a scope. Scope is "global",
// "playbook:<id>" or "severity:<level>".
type Policy struct {
	PolicyID   string     `json:"policy_id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	Thresholds Thresholds `json:"thresholds"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PlaybookScope builds the scope string for a playbook-specific policy.
func PlaybookScope(playbookID string) string {
	return scopePlaybookPrefix + strings.ToUpper(strings.TrimSpace(playbookID))
}

// SeverityScope builds the scope string for a severity-specific policy.
func SeverityScope(severity string) string {
	return scopeSeverityPrefix + strings.ToLower(strings.TrimSpace(severity))
}

// DimensionStatus is one measured SLA dimension.
type DimensionStatus struct {
	ThresholdMs int64 `json:"threshold_ms"`
	ActualMs    int64 `json:"actual_ms"`
	Breached    bool  `json:"breached"`
}

// Status is the per-execution SLA record. Thresholds are copied at
// execution creation; actuals land as the execution crosses each
// boundary.
type Status struct {
	PolicyID     string          `json:"sla_policy_id"`
	Acknowledge  DimensionStatus `json:"acknowledge"`
	Containment  DimensionStatus `json:"containment"`
	Resolution   DimensionStatus `json:"resolution"`
	BreachReason string          `json:"breach_reason,omitempty"`
}

// Breached reports whether any dimension missed its threshold.
func (s Status) Breached() bool {
	return s.Acknowledge.Breached || s.Containment.Breached || s.Resolution.Breached
}

// NewStatus copies a policy's thresholds onto a fresh status.
func NewStatus(policy *Policy) Status {
	if policy == nil {
		return Status{}
	}
	return Status{
		PolicyID:    policy.PolicyID,
		Acknowledge: DimensionStatus{ThresholdMs: policy.Thresholds.AcknowledgeMs},
		Containment: DimensionStatus{ThresholdMs: policy.Thresholds.ContainmentMs},
		Resolution:  DimensionStatus{ThresholdMs: policy.Thresholds.ResolutionMs},
	}
}

// Timing carries the execution boundary timestamps. Zero values mean
// the boundary has not been crossed.
type Timing struct {
	WebhookReceivedAt time.Time
	AcknowledgedAt    time.Time
	ContainmentAt     time.Time
	CompletedAt       time.Time
}

// StepOutcome is the slice of a step record the breach classifier
// needs.
type StepOutcome struct {
	StepID     string
	Type       string
	State      string
	ErrorCode  string
	DurationMs int64
}

// Evaluate fills in the actuals for every boundary the execution has
// crossed and, when a dimension breached, classifies the reason from
// the step records.
func Evaluate(status *Status, timing Timing, steps []StepOutcome) {
	if status == nil {
		return
	}
	base := timing.WebhookReceivedAt
	if base.IsZero() {
		return
	}

	measure(&status.Acknowledge, base, timing.AcknowledgedAt)
	measure(&status.Containment, base, timing.ContainmentAt)
	measure(&status.Resolution, base, timing.CompletedAt)

	if status.Breached() && status.BreachReason == "" {
		status.BreachReason = classify(steps)
	}
}

func measure(dim *DimensionStatus, base, boundary time.Time) {
	if boundary.IsZero() {
		return
	}
	dim.ActualMs = boundary.Sub(base).Milliseconds()
	if dim.ActualMs < 0 {
		dim.ActualMs = 0
	}
	dim.Breached = dim.ThresholdMs > 0 && dim.ActualMs > dim.ThresholdMs
}

// slowStepMs marks a step as "long" for dependency-delay attribution.
const slowStepMs = 30_000

func classify(steps []StepOutcome) string {
	sawApproval := false
	for _, step := range steps {
		if step.State == "FAILED" {
			return ReasonAutomationFailure
		}
		if step.Type == "approval" {
			sawApproval = true
		}
	}
	for _, step := range steps {
		switch step.ErrorCode {
		case "CONNECTOR_TIMEOUT", "CONNECTION_FAILED":
			if step.DurationMs >= slowStepMs {
				return ReasonExternalDependencyDelay
			}
		}
	}
	if sawApproval {
		return ReasonManualInterventionDelay
	}
	return ReasonExternalDependencyDelay
}
