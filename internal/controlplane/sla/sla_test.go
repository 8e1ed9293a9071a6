package sla

import (
	"path/filepath"
	"testing"
	"time"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		AcknowledgeMs: 5 * 60 * 1000,
		ContainmentMs: 30 * 60 * 1000,
		ResolutionMs:  4 * 60 * 60 * 1000,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sla.db"), defaultThresholds())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPolicySelectionChain(t *testing.T) {
	store := newTestStore(t)

	global, err := store.Create("org default", ScopeGlobal, Thresholds{AcknowledgeMs: 1000, ContainmentMs: 2000, ResolutionMs: 3000})
	if err != nil {
		t.Fatalf("create global: %v", err)
	}
	severity, err := store.Create("critical alerts", SeverityScope("critical"), Thresholds{AcknowledgeMs: 100, ContainmentMs: 200, ResolutionMs: 300})
	if err != nil {
		t.Fatalf("create severity: %v", err)
	}
	playbook, err := store.Create("ssh playbook", PlaybookScope("pb-ssh"), Thresholds{AcknowledgeMs: 10, ContainmentMs: 20, ResolutionMs: 30})
	if err != nil {
		t.Fatalf("create playbook: %v", err)
	}

	if got := store.Select("PB-SSH", "critical"); got.PolicyID != playbook.PolicyID {
		t.Fatalf("playbook scope: got %s", got.PolicyID)
	}
	if got := store.Select("PB-OTHER", "critical"); got.PolicyID != severity.PolicyID {
		t.Fatalf("severity scope: got %s", got.PolicyID)
	}
	if got := store.Select("PB-OTHER", "low"); got.PolicyID != global.PolicyID {
		t.Fatalf("global scope: got %s", got.PolicyID)
	}

	// Disabled policies drop out of the chain.
	if err := store.SetEnabled(playbook.PolicyID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := store.Select("PB-SSH", "critical"); got.PolicyID != severity.PolicyID {
		t.Fatalf("disabled playbook policy still selected: %s", got.PolicyID)
	}
}

func TestSelectFallsBackToBuiltin(t *testing.T) {
	store := newTestStore(t)
	got := store.Select("PB-X", "low")
	if got.PolicyID != "SLA-DEFAULT" {
		t.Fatalf("policy = %s", got.PolicyID)
	}
	if got.Thresholds != defaultThresholds() {
		t.Fatalf("thresholds = %+v", got.Thresholds)
	}
}

func TestOnePolicyPerScope(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create("a", ScopeGlobal, defaultThresholds()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create("b", ScopeGlobal, defaultThresholds()); err != ErrExists {
		t.Fatalf("duplicate scope = %v, want ErrExists", err)
	}
}

func TestEvaluateMeasuresAndBreaches(t *testing.T) {
	policy := &Policy{
		PolicyID:   "SLA-1",
		Thresholds: Thresholds{AcknowledgeMs: 1000, ContainmentMs: 5000, ResolutionMs: 10000},
	}
	status := NewStatus(policy)
	if status.Acknowledge.ThresholdMs != 1000 {
		t.Fatalf("thresholds not copied: %+v", status)
	}

	received := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	timing := Timing{
		WebhookReceivedAt: received,
		AcknowledgedAt:    received.Add(500 * time.Millisecond),
		ContainmentAt:     received.Add(8 * time.Second),
		CompletedAt:       received.Add(9 * time.Second),
	}
	Evaluate(&status, timing, nil)

	if status.Acknowledge.Breached || status.Acknowledge.ActualMs != 500 {
		t.Fatalf("acknowledge = %+v", status.Acknowledge)
	}
	if !status.Containment.Breached || status.Containment.ActualMs != 8000 {
		t.Fatalf("containment = %+v", status.Containment)
	}
	if status.Resolution.Breached {
		t.Fatalf("resolution = %+v", status.Resolution)
	}
	if status.BreachReason != ReasonExternalDependencyDelay {
		t.Fatalf("reason = %s", status.BreachReason)
	}
}

func TestEvaluateSkipsUncrossedBoundaries(t *testing.T) {
	status := NewStatus(&Policy{Thresholds: Thresholds{AcknowledgeMs: 1000, ContainmentMs: 1000, ResolutionMs: 1000}})
	received := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	Evaluate(&status, Timing{WebhookReceivedAt: received, AcknowledgedAt: received.Add(100 * time.Millisecond)}, nil)

	if status.Containment.ActualMs != 0 || status.Containment.Breached {
		t.Fatalf("containment must stay unmeasured: %+v", status.Containment)
	}
	if status.Resolution.ActualMs != 0 {
		t.Fatalf("resolution must stay unmeasured: %+v", status.Resolution)
	}
}

func TestBreachClassification(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepOutcome
		want  string
	}{
		{
			"failed step wins",
			[]StepOutcome{{StepID: "A1", State: "FAILED", ErrorCode: "INVALID_INPUT"}},
			ReasonAutomationFailure,
		},
		{
			"slow timeout step",
			[]StepOutcome{{StepID: "E1", State: "COMPLETED", ErrorCode: "CONNECTOR_TIMEOUT", DurationMs: 60000}},
			ReasonExternalDependencyDelay,
		},
		{
			"approval present",
			[]StepOutcome{{StepID: "P1", Type: "approval", State: "COMPLETED"}},
			ReasonManualInterventionDelay,
		},
		{
			"nothing conclusive",
			[]StepOutcome{{StepID: "E1", State: "COMPLETED"}},
			ReasonExternalDependencyDelay,
		},
	}

	received := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, tc := range tests {
		status := NewStatus(&Policy{Thresholds: Thresholds{ResolutionMs: 1}})
		timing := Timing{WebhookReceivedAt: received, CompletedAt: received.Add(time.Minute)}
		Evaluate(&status, timing, tc.steps)
		if status.BreachReason != tc.want {
			t.Errorf("%s: reason = %s, want %s", tc.name, status.BreachReason, tc.want)
		}
	}
}

func TestMonitorAlertsAndDedupe(t *testing.T) {
	thresholds := DefaultMonitorThresholds()
	thresholds.MaxBacklog = 5
	thresholds.MaxStaleApprovals = 1
	monitor := NewMonitor("", thresholds, nil, nil, nil)

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	monitor.SetNow(func() time.Time { return clock })
	monitor.Backlog = func() int { return 10 }
	monitor.StaleApprovals = func() int { return 3 }

	alerts := monitor.Check()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %v", alerts)
	}

	// Within the cooldown nothing refires.
	if alerts := monitor.Check(); len(alerts) != 0 {
		t.Fatalf("refired inside cooldown: %v", alerts)
	}

	// After the cooldown the condition alerts again.
	clock = clock.Add(2 * time.Hour)
	if alerts := monitor.Check(); len(alerts) != 2 {
		t.Fatalf("post-cooldown alerts = %v", alerts)
	}
}

func TestMonitorBreachRate(t *testing.T) {
	thresholds := DefaultMonitorThresholds()
	thresholds.MaxBreachRate = 0.5
	monitor := NewMonitor("", thresholds, nil, nil, nil)
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	monitor.SetNow(func() time.Time { return clock })

	for i := 0; i < 4; i++ {
		monitor.RecordExecution("PB-SSH", false)
	}
	monitor.RecordBreach("resolution", ReasonAutomationFailure)
	monitor.RecordBreach("resolution", ReasonAutomationFailure)
	monitor.RecordBreach("containment", ReasonAutomationFailure)

	alerts := monitor.Check()
	if len(alerts) != 1 || alerts[0] != "breach_rate" {
		t.Fatalf("alerts = %v", alerts)
	}

	// The window forgets after an hour.
	clock = clock.Add(3 * time.Hour)
	monitor.RecordExecution("PB-SSH", false)
	if alerts := monitor.Check(); len(alerts) != 0 {
		t.Fatalf("stale events still counted: %v", alerts)
	}
}
