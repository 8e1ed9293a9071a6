package approvals

import (
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/audit"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
)

// Resumer re-enters the execution loop after an approval settles.
// decision is "approved", "rejected" or "timeout".
type Resumer interface {
	Resume(executionID, decision string, approval *Approval) error
}

// Sweeper expires overdue approvals on a fixed interval and resumes
// the suspended executions with a timeout decision.
type Sweeper struct {
	store    *Store
	resumer  Resumer
	interval time.Duration

	metrics *metrics.Metrics
	auditor *audit.Store
	bus     *events.Bus
	logger  *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(store *Store, resumer Resumer, interval time.Duration, m *metrics.Metrics, auditor *audit.Store, bus *events.Bus, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		resumer:  resumer,
		interval: interval,
		metrics:  m,
		auditor:  auditor,
		bus:      bus,
		logger:   logger.Named("approval-sweep"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep expires every overdue pending approval and reports how many
// it settled. Exposed for tests and for a final pass on shutdown.
func (s *Sweeper) Sweep() int {
	overdue, err := s.store.ListOverdue()
	if err != nil {
		s.logger.Error("overdue scan failed", zap.Error(err))
		return 0
	}

	expired := 0
	for _, approval := range overdue {
		settled, err := s.store.Expire(approval.ApprovalID)
		if err != nil {
			// Raced with an operator decision; the decision wins.
			continue
		}
		expired++

		if s.metrics != nil {
			s.metrics.ApprovalsPending.Dec()
		}
		if s.auditor != nil {
			s.auditor.Emit(audit.ActionApprovalExpired, "approval", settled.ApprovalID, "sweeper", map[string]any{
				"execution_id": settled.ExecutionID,
				"step_id":      settled.StepID,
			})
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:        events.ApprovalExpired,
				ExecutionID: settled.ExecutionID,
				PlaybookID:  settled.PlaybookID,
				Summary:     "approval deadline passed",
				Timestamp:   time.Now().UTC(),
			})
		}

		if s.resumer != nil {
			if err := s.resumer.Resume(settled.ExecutionID, "timeout", settled); err != nil {
				s.logger.Error("timeout resume failed",
					zap.String("execution_id", settled.ExecutionID),
					zap.String("approval_id", settled.ApprovalID),
					zap.Error(err))
			}
		}
	}
	return expired
}
