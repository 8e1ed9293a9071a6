package playbooks

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var playbookIDPattern = regexp.MustCompile(`^PB-[A-Z0-9_-]+$`)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Validation issue codes.
const (
	CodeNoSteps                  = "NO_STEPS"
	CodeDupStepID                = "DUP_STEP_ID"
	CodeUnresolvedBranch         = "UNRESOLVED_BRANCH"
	CodeConditionNoBranch        = "CONDITION_NO_BRANCH"
	CodeApprovalNoTimeout        = "APPROVAL_NO_TIMEOUT"
	CodeConnectorMissingAction   = "CONNECTOR_MISSING_ACTION_TYPE"
	CodeConnectorMissingID       = "CONNECTOR_MISSING_ID"
	CodeEnrichmentToAction       = "ENRICHMENT_TO_ACTION_NO_CONDITION"
	CodeNotificationInShadow     = "NOTIFICATION_IN_SHADOW"
	CodeUnknownStepType          = "UNKNOWN_STEP_TYPE"
	CodeInvalidPlaybookID        = "INVALID_PLAYBOOK_ID"
)

// Issue is one validation finding.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	StepID      string `json:"step_id,omitempty"`
}

// ValidationError aggregates error-severity issues. Warnings alone do
// not produce an error.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "playbook validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Code+": "+issue.Message)
	}
	return "playbook validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate normalizes the playbook in place and checks its structure.
// It returns every finding (warnings included) plus a *ValidationError
// when at least one error-severity issue exists. The engine calls it
// again before execution start as defense in depth.
func Validate(pb *Playbook) ([]Issue, error) {
	if pb == nil {
		return nil, &ValidationError{Issues: []Issue{{
			Severity: SeverityError, Code: CodeNoSteps, Message: "playbook is required",
		}}}
	}

	normalize(pb)

	issues := make([]Issue, 0)

	if !playbookIDPattern.MatchString(pb.PlaybookID) {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        CodeInvalidPlaybookID,
			Message:     fmt.Sprintf("playbook_id %q must match PB-[A-Z0-9_-]+", pb.PlaybookID),
			Remediation: "use an uppercase identifier like PB-SSH-BRUTEFORCE",
		})
	}

	if len(pb.DSL.Steps) == 0 {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        CodeNoSteps,
			Message:     "dsl.steps must contain at least one step",
			Remediation: "add at least one step to the workflow",
		})
		return issues, &ValidationError{Issues: issues}
	}

	stepIDs := make(map[string]struct{}, len(pb.DSL.Steps))
	for _, step := range pb.DSL.Steps {
		if step.ID == "" {
			continue
		}
		if _, dup := stepIDs[step.ID]; dup {
			issues = append(issues, Issue{
				Severity:    SeverityError,
				Code:        CodeDupStepID,
				Message:     fmt.Sprintf("step id %q is declared more than once", step.ID),
				Remediation: "give every step a unique id",
				StepID:      step.ID,
			})
			continue
		}
		stepIDs[step.ID] = struct{}{}
	}

	for idx, step := range pb.DSL.Steps {
		issues = append(issues, validateStep(idx, step, stepIDs)...)
	}

	issues = append(issues, checkEnrichmentFeedsAction(pb.DSL.Steps)...)

	if pb.DSL.ShadowMode {
		for _, step := range pb.DSL.Steps {
			if step.Type == StepNotification {
				issues = append(issues, Issue{
					Severity:    SeverityWarning,
					Code:        CodeNotificationInShadow,
					Message:     fmt.Sprintf("notification step %q will fire for real despite shadow_mode", step.ID),
					Remediation: "remove the notification step or accept that it is never shadowed",
					StepID:      step.ID,
				})
			}
		}
	}

	for _, issue := range issues {
		if issue.Severity == SeverityError {
			errIssues := make([]Issue, 0, len(issues))
			for _, i := range issues {
				if i.Severity == SeverityError {
					errIssues = append(errIssues, i)
				}
			}
			return issues, &ValidationError{Issues: errIssues}
		}
	}
	return issues, nil
}

func validateStep(idx int, step Step, stepIDs map[string]struct{}) []Issue {
	issues := make([]Issue, 0)
	prefix := fmt.Sprintf("steps[%d]", idx)

	if step.ID == "" {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        CodeDupStepID,
			Message:     prefix + ".id is required",
			Remediation: "give every step a unique id",
		})
	}

	switch step.Type {
	case StepEnrichment, StepAction, StepNotification:
		if step.ConnectorID == "" {
			issues = append(issues, Issue{
				Severity:    SeverityError,
				Code:        CodeConnectorMissingID,
				Message:     fmt.Sprintf("%s (%s) has no connector_id", prefix, step.Type),
				Remediation: "set connector_id to a registered connector",
				StepID:      step.ID,
			})
		}
		if step.ActionType == "" {
			issues = append(issues, Issue{
				Severity:    SeverityError,
				Code:        CodeConnectorMissingAction,
				Message:     fmt.Sprintf("%s (%s) has no action_type", prefix, step.Type),
				Remediation: "set action_type to an action the connector exposes",
				StepID:      step.ID,
			})
		}
		issues = append(issues, checkBranch(step.ID, "on_success.goto", successGoto(step), stepIDs)...)

	case StepCondition:
		if step.OnTrue == "" || step.OnFalse == "" {
			issues = append(issues, Issue{
				Severity:    SeverityError,
				Code:        CodeConditionNoBranch,
				Message:     fmt.Sprintf("%s (condition) must declare both on_true and on_false", prefix),
				Remediation: "condition branches are total; add the missing branch",
				StepID:      step.ID,
			})
		}
		issues = append(issues, checkBranch(step.ID, "on_true", step.OnTrue, stepIDs)...)
		issues = append(issues, checkBranch(step.ID, "on_false", step.OnFalse, stepIDs)...)

	case StepApproval:
		if step.OnTimeout == "" {
			issues = append(issues, Issue{
				Severity:    SeverityError,
				Code:        CodeApprovalNoTimeout,
				Message:     fmt.Sprintf("%s (approval) must declare on_timeout", prefix),
				Remediation: "declare on_timeout as fail, continue, skip, __END__ or a step id",
				StepID:      step.ID,
			})
		}
		issues = append(issues, checkBranch(step.ID, "on_approved", step.OnApproved, stepIDs)...)
		issues = append(issues, checkTerminalOrBranch(step.ID, "on_rejected", step.OnRejected, stepIDs, "fail")...)
		issues = append(issues, checkTerminalOrBranch(step.ID, "on_timeout", step.OnTimeout, stepIDs, "fail", "continue", "skip")...)

	default:
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        CodeUnknownStepType,
			Message:     fmt.Sprintf("%s has unknown type %q", prefix, step.Type),
			Remediation: "use enrichment, condition, approval, action or notification",
			StepID:      step.ID,
		})
	}

	return issues
}

func successGoto(step Step) string {
	if step.OnSuccess == nil {
		return ""
	}
	if step.OnSuccess.Behavior == "end" {
		return ""
	}
	return step.OnSuccess.Goto
}

func checkBranch(stepID, field, target string, stepIDs map[string]struct{}) []Issue {
	if target == "" || target == EndTarget {
		return nil
	}
	if _, ok := stepIDs[target]; ok {
		return nil
	}
	return []Issue{{
		Severity:    SeverityError,
		Code:        CodeUnresolvedBranch,
		Message:     fmt.Sprintf("step %q %s references unknown step %q", stepID, field, target),
		Remediation: "reference an existing step id or __END__",
		StepID:      stepID,
	}}
}

func checkTerminalOrBranch(stepID, field, target string, stepIDs map[string]struct{}, terminals ...string) []Issue {
	if target == "" || target == EndTarget {
		return nil
	}
	for _, t := range terminals {
		if target == t {
			return nil
		}
	}
	return checkBranch(stepID, field, target, stepIDs)
}

// checkEnrichmentFeedsAction warns when an enrichment step precedes an
// action step with no condition between them in declaration order. The
// pattern usually means the playbook acts without gating on what the
// enrichment found.
func checkEnrichmentFeedsAction(steps []Step) []Issue {
	issues := make([]Issue, 0)
	sawEnrichment := false
	conditionSince := false
	for _, step := range steps {
		switch step.Type {
		case StepEnrichment:
			sawEnrichment = true
			conditionSince = false
		case StepCondition:
			conditionSince = true
		case StepAction:
			if sawEnrichment && !conditionSince {
				issues = append(issues, Issue{
					Severity:    SeverityWarning,
					Code:        CodeEnrichmentToAction,
					Message:     fmt.Sprintf("action step %q follows an enrichment with no condition between them", step.ID),
					Remediation: "insert a condition step to gate the action on the enrichment output",
					StepID:      step.ID,
				})
			}
		}
	}
	return issues
}

func normalize(pb *Playbook) {
	pb.PlaybookID = strings.ToUpper(strings.TrimSpace(pb.PlaybookID))
	pb.Name = strings.TrimSpace(pb.Name)
	pb.Description = strings.TrimSpace(pb.Description)
	pb.ChangeSummary = strings.TrimSpace(pb.ChangeSummary)
	pb.DSL.Severity = strings.ToLower(strings.TrimSpace(pb.DSL.Severity))

	for idx := range pb.DSL.Steps {
		step := &pb.DSL.Steps[idx]
		step.ID = strings.TrimSpace(step.ID)
		step.Type = strings.ToLower(strings.TrimSpace(step.Type))
		step.ConnectorID = strings.TrimSpace(step.ConnectorID)
		step.ActionType = strings.TrimSpace(step.ActionType)
		step.OnTrue = strings.TrimSpace(step.OnTrue)
		step.OnFalse = strings.TrimSpace(step.OnFalse)
		step.OnApproved = strings.TrimSpace(step.OnApproved)
		step.OnRejected = strings.TrimSpace(step.OnRejected)
		step.OnTimeout = strings.TrimSpace(step.OnTimeout)
		step.OnFailure = strings.ToLower(strings.TrimSpace(step.OnFailure))
		// "stop" and "fail" are the same rejected-branch terminal; "fail"
		// is canonical.
		if step.OnRejected == "stop" {
			step.OnRejected = "fail"
		}
		if step.Type == StepApproval && step.OnRejected == "" {
			step.OnRejected = "fail"
		}
	}
}
