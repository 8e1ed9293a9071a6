// Package executions runs playbook versions against triggering alerts.
// The engine advances one execution per worker at a time, persists
// every visible state change before proceeding, and suspends on
// approval steps until an operator or the timeout sweep resumes it.
package executions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/approvals"
	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/connectors"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
	"github.com/marlinsec/playbookd/internal/controlplane/playbooks"
	"github.com/marlinsec/playbookd/internal/controlplane/sla"
	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
	"github.com/marlinsec/playbookd/internal/controlplane/webhooks"
	"github.com/marlinsec/playbookd/internal/shared/jsonpath"
	"github.com/marlinsec/playbookd/internal/shared/security"
	"github.com/marlinsec/playbookd/internal/telemetry"
)

// Config tunes the engine.
type Config struct {
	// MaxStepExecutions bounds total step visits per execution.
	MaxStepExecutions int
	// DefaultStepTimeout applies when a step declares none.
	DefaultStepTimeout time.Duration
	// Workers sizes the run pool. Zero keeps the engine synchronous.
	Workers int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxStepExecutions:  100,
		DefaultStepTimeout: 30 * time.Second,
		Workers:            4,
	}
}

// Engine is the playbook runtime.
type Engine struct {
	store       *Store
	playbooks   *playbooks.Store
	approvals   *approvals.Store
	slaPolicies *sla.Store
	invoker     *connectors.Invoker
	config      Config

	monitor *sla.Monitor
	metrics *metrics.Metrics
	auditor *audit.Store
	bus     *events.Bus
	logger  *zap.Logger

	queue chan string
	wg    sync.WaitGroup

	now   func() time.Time
	sleep func(time.Duration)
}

func NewEngine(store *Store, pbs *playbooks.Store, apps *approvals.Store, slaStore *sla.Store, invoker *connectors.Invoker, cfg Config, m *metrics.Metrics, auditor *audit.Store, bus *events.Bus, logger *zap.Logger) *Engine {
	if cfg.MaxStepExecutions <= 0 {
		cfg.MaxStepExecutions = DefaultConfig().MaxStepExecutions
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultConfig().DefaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       store,
		playbooks:   pbs,
		approvals:   apps,
		slaPolicies: slaStore,
		invoker:     invoker,
		config:      cfg,
		metrics:     m,
		auditor:     auditor,
		bus:         bus,
		logger:      logger.Named("engine"),
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       time.Sleep,
	}
}

// SetMonitor attaches the SLA health monitor.
func (e *Engine) SetMonitor(m *sla.Monitor) { e.monitor = m }

// SetNow overrides the clock (tests).
func (e *Engine) SetNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetSleep overrides the retry back-off wait (tests).
func (e *Engine) SetSleep(sleep func(time.Duration)) {
	if sleep != nil {
		e.sleep = sleep
	}
}

// StartWorkers launches the run pool. Without it the engine runs
// executions synchronously on the caller's goroutine.
func (e *Engine) StartWorkers() {
	if e.config.Workers <= 0 {
		return
	}
	e.queue = make(chan string, 256)
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for executionID := range e.queue {
				e.Run(executionID)
			}
		}()
	}
}

// Stop drains the pool.
func (e *Engine) Stop() {
	if e.queue != nil {
		close(e.queue)
		e.wg.Wait()
		e.queue = nil
	}
}

// Start implements the webhook ingress hand-off: the execution record
// is durable before return, the run itself is asynchronous when the
// pool is up.
func (e *Engine) Start(req webhooks.StartRequest) (string, error) {
	exec, err := e.Create(req.PlaybookID, req.TriggerData, req.TriggerSource, req.ReceivedAt)
	if err != nil {
		return "", err
	}
	if e.queue != nil {
		e.queue <- exec.ExecutionID
	} else {
		e.Run(exec.ExecutionID)
	}
	return exec.ExecutionID, nil
}

// Create persists a new execution bound to the playbook version that
// is active right now. Steps mirror the version's declared steps.
func (e *Engine) Create(playbookID string, triggerData map[string]any, triggerSource string, receivedAt time.Time) (*Execution, error) {
	pb, err := e.playbooks.GetActive(playbookID)
	if err != nil {
		pb, err = e.playbooks.Latest(playbookID)
		if err != nil {
			return nil, fmt.Errorf("playbook %s: %w", playbookID, err)
		}
	}

	// The validator runs again before execution. A stored playbook
	// should never fail it.
	if _, err := playbooks.Validate(pb); err != nil {
		return nil, fmt.Errorf("playbook %s failed validation: %w", playbookID, err)
	}

	now := e.now()
	if receivedAt.IsZero() {
		receivedAt = now
	}

	exec := &Execution{
		ExecutionID:       NewExecutionID(now),
		PlaybookID:        pb.PlaybookID,
		PlaybookVersion:   pb.Version,
		State:             StateExecuting,
		TriggerSource:     triggerSource,
		TriggerData:       triggerData,
		Severity:          pb.DSL.Severity,
		RuleID:            extractRuleID(triggerData),
		WebhookReceivedAt: receivedAt,
		Steps:             make([]StepRecord, 0, len(pb.DSL.Steps)),
	}
	for _, step := range pb.DSL.Steps {
		exec.Steps = append(exec.Steps, StepRecord{StepID: step.ID, Type: step.Type, State: StepPending})
	}

	policy := e.slaPolicies.Select(pb.PlaybookID, exec.Severity)
	exec.SLA = sla.NewStatus(policy)

	if err := e.store.Create(exec); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ExecutionsActive.Inc()
	}
	if e.auditor != nil {
		e.auditor.Emit(audit.ActionExecutionCreated, "execution", exec.ExecutionID, triggerSource, map[string]any{
			"playbook_id":      exec.PlaybookID,
			"playbook_version": exec.PlaybookVersion,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.ExecutionStarted,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  exec.PlaybookID,
			Summary:     "execution created",
			Timestamp:   now,
		})
	}
	return exec, nil
}

// Run advances an execution from its current position until it
// suspends or terminates.
func (e *Engine) Run(executionID string) {
	unlock := e.store.Lock(executionID)
	defer unlock()

	exec, err := e.store.Get(executionID)
	if err != nil {
		e.logger.Error("run load failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if exec.State != StateExecuting {
		return
	}

	_, span := telemetry.StartExecutionSpan(context.Background(), exec.ExecutionID, exec.PlaybookID, exec.PlaybookVersion)
	defer span.End()

	pb, err := e.playbooks.Get(exec.PlaybookID, exec.PlaybookVersion)
	if err != nil {
		e.fail(exec, CodeStepNotFound, fmt.Sprintf("playbook version %d vanished", exec.PlaybookVersion))
		return
	}

	now := e.now()
	if exec.AcknowledgedAt.IsZero() {
		exec.AcknowledgedAt = now
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
		if e.auditor != nil {
			e.auditor.Emit(audit.ActionExecutionStarted, "execution", exec.ExecutionID, "engine", nil)
		}
	}
	_ = e.store.SaveProgress(exec)

	e.advance(exec, pb, firstStepID(pb))
}

// advance is the main loop. stepID names the entry point; the loop
// owns the execution lock for its whole lifetime.
func (e *Engine) advance(exec *Execution, pb *playbooks.Playbook, stepID string) {
	idx := stepIndex(pb, stepID)

	for {
		if idx < 0 || idx >= len(pb.DSL.Steps) {
			e.complete(exec)
			return
		}
		if exec.TotalVisits() >= e.config.MaxStepExecutions {
			e.loopDetected(exec)
			return
		}

		step := pb.DSL.Steps[idx]
		record := exec.Step(step.ID)
		if record == nil {
			e.fail(exec, CodeStepNotFound, fmt.Sprintf("no record for step %q", step.ID))
			return
		}

		stepStart := e.now()
		record.Visits++
		record.State = StepExecuting
		record.StartedAt = stepStart
		record.Error = nil
		_ = e.store.SaveProgress(exec)

		ctx := buildContext(exec, pb.Name)
		inputs, err := resolveInputs(step.Input, ctx)
		if err != nil {
			next, fatal := e.stepFailed(exec, pb, step, record, &StepError{
				Code:    connectors.CodeInvalidInput,
				Message: err.Error(),
			}, stepStart)
			if fatal {
				return
			}
			idx = e.resolveNext(exec, pb, next, idx)
			if idx == stopped {
				return
			}
			continue
		}

		var (
			output   map[string]any
			stepErr  *StepError
			nextStep string
			haveNext bool
		)

		switch step.Type {
		case playbooks.StepCondition:
			output, nextStep, stepErr = e.runCondition(step, ctx)
			haveNext = stepErr == nil

		case playbooks.StepApproval:
			e.suspendForApproval(exec, pb, step)
			return

		case playbooks.StepAction:
			if pb.DSL.ShadowMode {
				e.shadowSkip(exec, pb, step, record, inputs, stepStart)
				idx = e.resolveNext(exec, pb, successTarget(step), idx)
				if idx == stopped {
					return
				}
				continue
			}
			output, stepErr = e.invokeWithRetry(exec, pb, step, record, inputs)

		case playbooks.StepEnrichment, playbooks.StepNotification:
			output, stepErr = e.invokeWithRetry(exec, pb, step, record, inputs)

		default:
			stepErr = &StepError{Code: connectors.CodeInvalidAction, Message: "unknown step type " + step.Type}
		}

		if stepErr != nil {
			next, fatal := e.stepFailed(exec, pb, step, record, stepErr, stepStart)
			if fatal {
				return
			}
			idx = e.resolveNext(exec, pb, next, idx)
			if idx == stopped {
				return
			}
			continue
		}

		e.stepCompleted(exec, pb, step, record, output, stepStart)

		if !haveNext {
			nextStep = successTarget(step)
		}
		idx = e.resolveNext(exec, pb, nextStep, idx)
		if idx == stopped {
			return
		}
	}
}

// stopped is the sentinel index advance uses after a terminal
// transition inside next-step resolution.
const stopped = -2

// resolveNext maps a branch target to the next loop index. "" advances
// sequentially, EndTarget completes, an unknown id fails the execution.
func (e *Engine) resolveNext(exec *Execution, pb *playbooks.Playbook, target string, currentIdx int) int {
	switch target {
	case "":
		return currentIdx + 1
	case playbooks.EndTarget:
		e.complete(exec)
		return stopped
	}
	idx := stepIndex(pb, target)
	if idx < 0 {
		e.fail(exec, CodeStepNotFound, fmt.Sprintf("branch target %q does not exist", target))
		return stopped
	}
	return idx
}

// runCondition resolves the field against the context and picks the
// branch. Both branches are validated, but a missing selected branch
// at runtime is still fatal.
func (e *Engine) runCondition(step playbooks.Step, ctx map[string]any) (map[string]any, string, *StepError) {
	if step.Condition == nil {
		return nil, "", &StepError{Code: CodeConditionMissingBranch, Message: "condition step has no predicate"}
	}
	cond := triggers.Condition{
		Field:    step.Condition.Field,
		Operator: step.Condition.Operator,
		Value:    step.Condition.Value,
	}
	res := jsonpath.Resolve(ctx, cond.Field)
	result := triggers.EvaluateCondition(cond, res)

	branchTaken := "on_false"
	next := step.OnFalse
	if result {
		branchTaken = "on_true"
		next = step.OnTrue
	}
	if next == "" {
		return nil, "", &StepError{
			Code:    CodeConditionMissingBranch,
			Message: fmt.Sprintf("condition selected %s but no target is declared", branchTaken),
		}
	}
	output := map[string]any{
		"result":          result,
		"evaluated_value": res.Value,
		"branch_taken":    branchTaken,
		"next_step":       next,
	}
	return output, next, nil
}

// invokeWithRetry dispatches a connector-backed step, re-executing on
// retryable errors per the step's policy.
func (e *Engine) invokeWithRetry(exec *Execution, pb *playbooks.Playbook, step playbooks.Step, record *StepRecord, inputs map[string]any) (map[string]any, *StepError) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	stepCtx, stepSpan := telemetry.StartStepSpan(context.Background(), step.ID, step.Type)
	for {
		callCtx, callSpan := telemetry.StartConnectorSpan(stepCtx, step.ConnectorID, step.ActionType)
		output, cerr := e.invoker.Invoke(callCtx, step.ConnectorID, step.ActionType, inputs, timeout)
		callSpan.End()
		if cerr == nil {
			telemetry.EndStepSpan(stepSpan, StepCompleted, "")
			// Connector responses sometimes echo credentials back.
			return security.SanitizeOutput(output), nil
		}

		policy := step.RetryPolicy
		if policy == nil || !policy.Enabled || !cerr.Retryable || record.RetryCount >= policy.MaxAttempts {
			telemetry.EndStepSpan(stepSpan, StepFailed, cerr.Code)
			return nil, &StepError{Code: cerr.Code, Message: cerr.Message}
		}

		delay := policy.DelaySeconds * math.Pow(policy.BackoffMultiplier, float64(record.RetryCount))
		if policy.MaxDelaySeconds > 0 && delay > policy.MaxDelaySeconds {
			delay = policy.MaxDelaySeconds
		}
		record.RetryCount++
		_ = e.store.SaveProgress(exec)

		if e.metrics != nil {
			e.metrics.StepRetriesTotal.WithLabelValues(pb.PlaybookID).Inc()
		}
		if e.auditor != nil {
			e.auditor.Emit(audit.ActionStepRetried, "execution", exec.ExecutionID, "engine", map[string]any{
				"step_id":     step.ID,
				"retry_count": record.RetryCount,
				"error_code":  cerr.Code,
			})
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:        events.StepRetried,
				ExecutionID: exec.ExecutionID,
				PlaybookID:  exec.PlaybookID,
				Summary:     fmt.Sprintf("step %s retry %d after %s", step.ID, record.RetryCount, cerr.Code),
				Timestamp:   e.now(),
			})
		}
		e.sleep(time.Duration(delay * float64(time.Second)))
	}
}

// shadowSkip records what an action step would have done without
// invoking the connector. Notifications never take this path.
func (e *Engine) shadowSkip(exec *Execution, pb *playbooks.Playbook, step playbooks.Step, record *StepRecord, inputs map[string]any, stepStart time.Time) {
	now := e.now()
	record.State = StepSkipped
	record.CompletedAt = now
	record.DurationMs = now.Sub(stepStart).Milliseconds()
	record.Output = map[string]any{
		"skipped": true,
		"reason":  "shadow_mode",
		"would_execute": map[string]any{
			"connector_id": step.ConnectorID,
			"action_type":  step.ActionType,
			"inputs":       inputs,
		},
	}
	_ = e.store.SaveProgress(exec)

	if e.metrics != nil {
		e.metrics.ShadowSkipsTotal.WithLabelValues(pb.PlaybookID).Inc()
		e.metrics.StepsTotal.WithLabelValues(pb.PlaybookID, step.Type, "skipped").Inc()
	}
	if e.auditor != nil {
		e.auditor.Emit(audit.ActionShadowSkipped, "execution", exec.ExecutionID, "engine", map[string]any{
			"step_id":      step.ID,
			"connector_id": step.ConnectorID,
			"action_type":  step.ActionType,
		})
	}
}

// suspendForApproval opens the approval record and parks the
// execution. The loop does not continue past this point.
func (e *Engine) suspendForApproval(exec *Execution, pb *playbooks.Playbook, step playbooks.Step) {
	timeout := time.Duration(step.TimeoutHours * float64(time.Hour))

	approvalCtx := map[string]any{"trigger_data": exec.TriggerData}
	approval, err := e.approvals.Create(exec.ExecutionID, exec.PlaybookID, step.ID, step.RequiredRole, approvalCtx, timeout)
	if err != nil {
		e.fail(exec, CodeInvalidStateTransition, "approval create failed: "+err.Error())
		return
	}

	exec.ApprovalID = approval.ApprovalID
	if err := e.store.Transition(exec.ExecutionID, StateExecuting, StateWaitingApproval); err != nil {
		e.fail(exec, CodeInvalidStateTransition, err.Error())
		return
	}
	exec.State = StateWaitingApproval
	_ = e.store.SaveProgress(exec)

	if e.metrics != nil {
		e.metrics.ApprovalsPending.Inc()
	}
	if e.auditor != nil {
		e.auditor.Emit(audit.ActionApprovalRequested, "approval", approval.ApprovalID, "engine", map[string]any{
			"execution_id":  exec.ExecutionID,
			"step_id":       step.ID,
			"required_role": step.RequiredRole,
			"expires_at":    approval.ExpiresAt,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.ApprovalNeeded,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  pb.PlaybookID,
			Summary:     "execution waiting on approval for step " + step.ID,
			Timestamp:   e.now(),
		})
	}
}

// Resume re-enters the loop after an approval decision. decision is
// "approved", "rejected" or "timeout". Implements approvals.Resumer.
func (e *Engine) Resume(executionID, decision string, approval *approvals.Approval) error {
	unlock := e.store.Lock(executionID)
	defer unlock()

	exec, err := e.store.Get(executionID)
	if err != nil {
		return err
	}
	if exec.State != StateWaitingApproval {
		return fmt.Errorf("%s: execution is %s, not %s", CodeInvalidStateTransition, exec.State, StateWaitingApproval)
	}
	if approval != nil && exec.ApprovalID != "" && approval.ApprovalID != exec.ApprovalID {
		return fmt.Errorf("approval %s is not the execution's current approval", approval.ApprovalID)
	}

	pb, err := e.playbooks.Get(exec.PlaybookID, exec.PlaybookVersion)
	if err != nil {
		return err
	}
	stepID := exec.ApprovalStepID(approval)
	idx := stepIndex(pb, stepID)
	if idx < 0 {
		e.failFromWaiting(exec, CodeStepNotFound, "approval step vanished from the playbook version")
		return nil
	}
	step := pb.DSL.Steps[idx]
	record := exec.Step(step.ID)
	now := e.now()

	switch decision {
	case approvals.StatusApproved:
		record.State = StepCompleted
		record.CompletedAt = now
		record.DurationMs = durationSince(record.StartedAt, now)
		record.Output = approvalOutput("approved", approval, now)
		e.resumeInto(exec, pb, step.OnApproved, idx)

	case approvals.StatusRejected:
		target := step.OnRejected
		if target == "" || target == "fail" || target == playbooks.FailureStop {
			record.State = StepCompleted
			record.CompletedAt = now
			record.DurationMs = durationSince(record.StartedAt, now)
			record.Output = approvalOutput("rejected", approval, now)
			e.failFromWaiting(exec, CodeApprovalRejected, "approval rejected for step "+step.ID)
			return nil
		}
		record.State = StepCompleted
		record.CompletedAt = now
		record.DurationMs = durationSince(record.StartedAt, now)
		record.Output = approvalOutput("rejected", approval, now)
		e.resumeInto(exec, pb, target, idx)

	case "timeout":
		switch target := step.OnTimeout; target {
		case "":
			record.State = StepFailed
			record.Error = &StepError{Code: CodeApprovalMissingOnTimeout, Message: "approval step declares no on_timeout"}
			e.failFromWaiting(exec, CodeApprovalMissingOnTimeout, "approval step "+step.ID+" has no on_timeout")
		case "fail":
			record.State = StepFailed
			record.CompletedAt = now
			record.DurationMs = durationSince(record.StartedAt, now)
			record.Error = &StepError{Code: CodeApprovalTimeout, Message: "approval deadline passed"}
			e.failFromWaiting(exec, CodeApprovalTimeout, "approval timed out for step "+step.ID)
		case playbooks.FailureContinue:
			record.State = StepCompleted
			record.CompletedAt = now
			record.Output = approvalOutput("timeout", approval, now)
			e.resumeInto(exec, pb, "", idx)
		case playbooks.FailureSkip, playbooks.EndTarget:
			record.State = StepSkipped
			record.CompletedAt = now
			record.Output = approvalOutput("timeout", approval, now)
			e.resumeInto(exec, pb, playbooks.EndTarget, idx)
		default:
			record.State = StepCompleted
			record.CompletedAt = now
			record.Output = approvalOutput("timeout", approval, now)
			e.resumeInto(exec, pb, target, idx)
		}

	default:
		return fmt.Errorf("unknown resume decision %q", decision)
	}
	return nil
}

// ApprovalStepID picks the step the approval belongs to, falling back
// to the first waiting approval step when the record is absent.
func (e *Execution) ApprovalStepID(approval *approvals.Approval) string {
	if approval != nil {
		return approval.StepID
	}
	for i := range e.Steps {
		if e.Steps[i].Type == playbooks.StepApproval && e.Steps[i].State == StepExecuting {
			return e.Steps[i].StepID
		}
	}
	return ""
}

// resumeInto moves WAITING_APPROVAL back to EXECUTING and continues
// the loop at the target.
func (e *Engine) resumeInto(exec *Execution, pb *playbooks.Playbook, target string, approvalIdx int) {
	if err := e.store.Transition(exec.ExecutionID, StateWaitingApproval, StateExecuting); err != nil {
		e.logger.Error("resume transition failed", zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return
	}
	exec.State = StateExecuting
	exec.ApprovalID = ""
	_ = e.store.SaveProgress(exec)

	idx := e.resolveNext(exec, pb, target, approvalIdx)
	if idx == stopped {
		return
	}
	if idx >= len(pb.DSL.Steps) {
		e.complete(exec)
		return
	}
	e.advance(exec, pb, pb.DSL.Steps[idx].ID)
}

// failFromWaiting terminates a suspended execution.
func (e *Engine) failFromWaiting(exec *Execution, code, message string) {
	if err := e.store.Transition(exec.ExecutionID, StateWaitingApproval, StateFailed); err != nil {
		e.logger.Error("fail transition lost", zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return
	}
	exec.State = StateFailed
	exec.Error = &StepError{Code: code, Message: message}
	e.finish(exec)
}

// stepCompleted closes out a successful step.
func (e *Engine) stepCompleted(exec *Execution, pb *playbooks.Playbook, step playbooks.Step, record *StepRecord, output map[string]any, stepStart time.Time) {
	now := e.now()
	record.State = StepCompleted
	record.CompletedAt = now
	record.DurationMs = now.Sub(stepStart).Milliseconds()
	record.Output = output

	// First completed real action marks containment.
	if step.Type == playbooks.StepAction && exec.ContainmentAt.IsZero() {
		exec.ContainmentAt = now
	}
	_ = e.store.SaveProgress(exec)

	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(pb.PlaybookID, step.Type, "completed").Inc()
		e.metrics.StepDurationSeconds.WithLabelValues(step.Type).Observe(now.Sub(stepStart).Seconds())
	}
	if e.auditor != nil {
		e.auditor.Emit(audit.ActionStepCompleted, "execution", exec.ExecutionID, "engine", map[string]any{
			"step_id":     step.ID,
			"duration_ms": record.DurationMs,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.StepCompleted,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  exec.PlaybookID,
			Summary:     "step " + step.ID + " completed",
			Timestamp:   now,
		})
	}
}

// stepFailed closes out a failed step and applies on_failure. It
// returns the follow-up branch target and whether the execution
// terminated.
func (e *Engine) stepFailed(exec *Execution, pb *playbooks.Playbook, step playbooks.Step, record *StepRecord, stepErr *StepError, stepStart time.Time) (string, bool) {
	now := e.now()
	record.State = StepFailed
	record.CompletedAt = now
	record.DurationMs = now.Sub(stepStart).Milliseconds()
	record.Error = stepErr
	_ = e.store.SaveProgress(exec)

	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(pb.PlaybookID, step.Type, "failed").Inc()
	}
	if e.auditor != nil {
		e.auditor.Emit(audit.ActionStepFailed, "execution", exec.ExecutionID, "engine", map[string]any{
			"step_id":    step.ID,
			"error_code": stepErr.Code,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.StepFailed,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  exec.PlaybookID,
			Summary:     "step " + step.ID + " failed: " + stepErr.Code,
			Timestamp:   now,
		})
	}

	// Engine invariant codes are fatal regardless of on_failure.
	switch stepErr.Code {
	case CodeConditionMissingBranch, CodeStepNotFound, CodeApprovalMissingOnTimeout:
		e.fail(exec, stepErr.Code, stepErr.Message)
		return "", true
	}

	switch step.OnFailure {
	case playbooks.FailureContinue:
		return "", false
	case playbooks.FailureSkip:
		e.complete(exec)
		return "", true
	default: // stop
		e.fail(exec, stepErr.Code, fmt.Sprintf("step %s failed: %s", step.ID, stepErr.Message))
		return "", true
	}
}

// loopDetected fails the execution and skips every step that never
// started.
func (e *Engine) loopDetected(exec *Execution) {
	for i := range exec.Steps {
		if exec.Steps[i].State == StepPending {
			exec.Steps[i].State = StepSkipped
		}
	}
	if e.metrics != nil {
		e.metrics.ExecutionsLoopDetected.Inc()
	}
	e.fail(exec, CodeLoopDetected, fmt.Sprintf("step executions exceeded %d", e.config.MaxStepExecutions))
}

// complete transitions EXECUTING → COMPLETED.
func (e *Engine) complete(exec *Execution) {
	if err := e.store.Transition(exec.ExecutionID, StateExecuting, StateCompleted); err != nil {
		e.logger.Error("complete transition lost", zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return
	}
	exec.State = StateCompleted
	e.finish(exec)
}

// fail transitions EXECUTING → FAILED with a classified error.
func (e *Engine) fail(exec *Execution, code, message string) {
	if err := e.store.Transition(exec.ExecutionID, StateExecuting, StateFailed); err != nil {
		e.logger.Error("fail transition lost", zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return
	}
	exec.State = StateFailed
	exec.Error = &StepError{Code: code, Message: message}
	e.finish(exec)
}

// finish stamps terminal timestamps, evaluates SLA, persists and
// emits. Caller has already moved the state.
func (e *Engine) finish(exec *Execution) {
	now := e.now()
	exec.CompletedAt = now
	if !exec.WebhookReceivedAt.IsZero() {
		exec.DurationMs = now.Sub(exec.WebhookReceivedAt).Milliseconds()
	}

	outcomes := make([]sla.StepOutcome, 0, len(exec.Steps))
	for _, record := range exec.Steps {
		outcome := sla.StepOutcome{
			StepID:     record.StepID,
			Type:       record.Type,
			State:      record.State,
			DurationMs: record.DurationMs,
		}
		if record.Error != nil {
			outcome.ErrorCode = record.Error.Code
		}
		outcomes = append(outcomes, outcome)
	}
	sla.Evaluate(&exec.SLA, sla.Timing{
		WebhookReceivedAt: exec.WebhookReceivedAt,
		AcknowledgedAt:    exec.AcknowledgedAt,
		ContainmentAt:     exec.ContainmentAt,
		CompletedAt:       exec.CompletedAt,
	}, outcomes)

	_ = e.store.SaveProgress(exec)
	e.store.ReleaseLock(exec.ExecutionID)

	if e.metrics != nil {
		e.metrics.ExecutionsActive.Dec()
		e.metrics.ExecutionsTotal.WithLabelValues(exec.PlaybookID, exec.State).Inc()
		e.metrics.ExecutionDurationSeconds.WithLabelValues(exec.PlaybookID).Observe(float64(exec.DurationMs) / 1000.0)
	}
	if e.monitor != nil {
		e.monitor.RecordExecution(exec.PlaybookID, exec.State == StateFailed)
	}

	eventType := events.ExecutionComplete
	action := audit.ActionExecutionComplete
	summary := "execution completed"
	if exec.State == StateFailed {
		eventType = events.ExecutionFailed
		action = audit.ActionExecutionFailed
		summary = "execution failed"
		if exec.Error != nil {
			summary += ": " + exec.Error.Code
		}
	}
	if e.auditor != nil {
		details := map[string]any{"duration_ms": exec.DurationMs}
		if exec.Error != nil {
			details["error_code"] = exec.Error.Code
		}
		e.auditor.Emit(action, "execution", exec.ExecutionID, "engine", details)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        eventType,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  exec.PlaybookID,
			Summary:     summary,
			Timestamp:   now,
		})
	}

	e.reportBreaches(exec)
}

// reportBreaches emits one signal per breached dimension.
func (e *Engine) reportBreaches(exec *Execution) {
	dims := map[string]sla.DimensionStatus{
		"acknowledge": exec.SLA.Acknowledge,
		"containment": exec.SLA.Containment,
		"resolution":  exec.SLA.Resolution,
	}
	for name, dim := range dims {
		if !dim.Breached {
			continue
		}
		if e.monitor != nil {
			e.monitor.RecordBreach(name, exec.SLA.BreachReason)
		} else if e.metrics != nil {
			e.metrics.SLABreachesTotal.WithLabelValues(name, exec.SLA.BreachReason).Inc()
		}
		if e.auditor != nil {
			e.auditor.Emit(audit.ActionSLABreached, "execution", exec.ExecutionID, "engine", map[string]any{
				"dimension":    name,
				"threshold_ms": dim.ThresholdMs,
				"actual_ms":    dim.ActualMs,
				"reason":       exec.SLA.BreachReason,
			})
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:        events.SLABreached,
				ExecutionID: exec.ExecutionID,
				PlaybookID:  exec.PlaybookID,
				Summary:     "SLA " + name + " breached",
				Timestamp:   e.now(),
			})
		}
	}
}

// Cancel terminates a non-terminal execution.
func (e *Engine) Cancel(executionID, actor string) (*Execution, error) {
	unlock := e.store.Lock(executionID)
	defer unlock()

	exec, err := e.store.Get(executionID)
	if err != nil {
		return nil, err
	}
	if exec.Terminal() {
		return nil, fmt.Errorf("%w: execution already %s", ErrInvalidTransition, exec.State)
	}

	if err := e.store.Transition(exec.ExecutionID, exec.State, StateFailed); err != nil {
		return nil, err
	}

	// Settle any pending approval so the timeout sweep does not try to
	// resume a terminal execution.
	if exec.ApprovalID != "" {
		if _, err := e.approvals.Expire(exec.ApprovalID); err != nil && !errors.Is(err, approvals.ErrNotPending) {
			e.logger.Warn("expire approval on cancel", zap.String("approval_id", exec.ApprovalID), zap.Error(err))
		}
	}

	exec.State = StateFailed
	exec.Error = &StepError{Code: CodeCanceled, Message: "canceled by " + actor}
	e.finish(exec)

	if e.auditor != nil {
		e.auditor.Emit(audit.ActionExecutionCanceled, "execution", exec.ExecutionID, actor, nil)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:        events.ExecutionCanceled,
			ExecutionID: exec.ExecutionID,
			PlaybookID:  exec.PlaybookID,
			Summary:     "execution canceled by " + actor,
			Timestamp:   e.now(),
		})
	}
	return exec, nil
}

func successTarget(step playbooks.Step) string {
	if step.OnSuccess == nil {
		return ""
	}
	if step.OnSuccess.Behavior == "end" {
		return playbooks.EndTarget
	}
	return step.OnSuccess.Goto
}

func stepIndex(pb *playbooks.Playbook, stepID string) int {
	if stepID == "" {
		return 0
	}
	for i := range pb.DSL.Steps {
		if pb.DSL.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func firstStepID(pb *playbooks.Playbook) string {
	if len(pb.DSL.Steps) == 0 {
		return ""
	}
	return pb.DSL.Steps[0].ID
}

func approvalOutput(decision string, approval *approvals.Approval, now time.Time) map[string]any {
	out := map[string]any{
		"decision":   decision,
		"decided_at": now,
	}
	if approval != nil {
		out["approval_id"] = approval.ApprovalID
		if approval.ApprovedBy != "" {
			out["decided_by"] = approval.ApprovedBy
		}
		if approval.DecisionNote != "" {
			out["note"] = approval.DecisionNote
		}
	}
	return out
}

func durationSince(start, now time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Milliseconds()
}

func extractRuleID(triggerData map[string]any) string {
	res := jsonpath.Resolve(triggerData, "rule.id")
	if !res.Found {
		res = jsonpath.Resolve(triggerData, "rule_id")
	}
	if !res.Found {
		return ""
	}
	return jsonpath.Stringify(res.Value)
}
