package sla

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/events"
	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
)

// MonitorThresholds tune the periodic health check.
type MonitorThresholds struct {
	// MaxBacklog is the tolerated number of in-flight executions.
	MaxBacklog int
	// MaxBreachRate is the tolerated breach fraction over the rolling hour.
	MaxBreachRate float64
	// MaxFailureRate is the tolerated per-playbook failure fraction.
	MaxFailureRate float64
	// MaxDropRate is the tolerated webhook drop fraction.
	MaxDropRate float64
	// MaxStaleApprovals is the tolerated count of overdue pending approvals.
	MaxStaleApprovals int
	// AlertCooldown suppresses repeat alerts for the same condition.
	AlertCooldown time.Duration
}

// DefaultMonitorThresholds returns production defaults.
func DefaultMonitorThresholds() MonitorThresholds {
	return MonitorThresholds{
		MaxBacklog:        200,
		MaxBreachRate:     0.25,
		MaxFailureRate:    0.5,
		MaxDropRate:       0.9,
		MaxStaleApprovals: 20,
		AlertCooldown:     time.Hour,
	}
}

type rollingEvent struct {
	at         time.Time
	playbookID string
	failed     bool
	breached   bool
	dropped    bool
	accepted   bool
}

// Monitor tracks rolling platform health counters and fires
// de-duplicated health alerts on a cron schedule.
type Monitor struct {
	thresholds MonitorThresholds
	schedule   string

	// Backlog and StaleApprovals are polled live at check time.
	Backlog        func() int
	StaleApprovals func() int

	metrics *metrics.Metrics
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	history []rollingEvent
	fired   map[string]time.Time
}

func NewMonitor(schedule string, thresholds MonitorThresholds, m *metrics.Metrics, bus *events.Bus, logger *zap.Logger) *Monitor {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if thresholds.AlertCooldown <= 0 {
		thresholds.AlertCooldown = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		thresholds: thresholds,
		schedule:   schedule,
		metrics:    m,
		bus:        bus,
		logger:     logger.Named("sla-monitor"),
		now:        func() time.Time { return time.Now().UTC() },
		fired:      make(map[string]time.Time),
	}
}

// SetNow overrides the clock (tests).
func (m *Monitor) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start schedules the periodic check.
func (m *Monitor) Start() error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.schedule, func() { m.Check() }); err != nil {
		return fmt.Errorf("schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running check.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// RecordExecution feeds a terminal execution into the rolling window.
func (m *Monitor) RecordExecution(playbookID string, failed bool) {
	m.record(rollingEvent{playbookID: playbookID, failed: failed})
}

// RecordBreach feeds an SLA breach into the rolling window and the
// breach counter.
func (m *Monitor) RecordBreach(dimension, reason string) {
	if m.metrics != nil {
		m.metrics.SLABreachesTotal.WithLabelValues(dimension, reason).Inc()
	}
	m.record(rollingEvent{breached: true})
}

// RecordIngress feeds a webhook outcome into the drop-rate window.
func (m *Monitor) RecordIngress(accepted bool) {
	m.record(rollingEvent{accepted: accepted, dropped: !accepted})
}

func (m *Monitor) record(evt rollingEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt.at = m.now()
	m.history = append(m.history, evt)
}

// Check runs one health pass and returns the alert keys that fired.
func (m *Monitor) Check() []string {
	m.mu.Lock()
	now := m.now()
	m.prune(now)
	history := make([]rollingEvent, len(m.history))
	copy(history, m.history)
	m.mu.Unlock()

	var alerts []string

	if m.Backlog != nil {
		if backlog := m.Backlog(); m.thresholds.MaxBacklog > 0 && backlog > m.thresholds.MaxBacklog {
			alerts = m.fire(alerts, "execution_backlog",
				fmt.Sprintf("%d executions in flight (limit %d)", backlog, m.thresholds.MaxBacklog))
		}
	}
	if m.StaleApprovals != nil {
		if stale := m.StaleApprovals(); m.thresholds.MaxStaleApprovals > 0 && stale > m.thresholds.MaxStaleApprovals {
			alerts = m.fire(alerts, "stale_approvals",
				fmt.Sprintf("%d approvals past their deadline (limit %d)", stale, m.thresholds.MaxStaleApprovals))
		}
	}

	var terminal, breached, received, dropped int
	failures := make(map[string]int)
	totals := make(map[string]int)
	for _, evt := range history {
		if evt.playbookID != "" {
			terminal++
			totals[evt.playbookID]++
			if evt.failed {
				failures[evt.playbookID]++
			}
		}
		if evt.breached {
			breached++
		}
		if evt.accepted || evt.dropped {
			received++
			if evt.dropped {
				dropped++
			}
		}
	}

	if terminal > 0 && m.thresholds.MaxBreachRate > 0 {
		if rate := float64(breached) / float64(terminal); rate > m.thresholds.MaxBreachRate {
			alerts = m.fire(alerts, "breach_rate",
				fmt.Sprintf("%.0f%% of executions breached SLA in the last hour", rate*100))
		}
	}
	for playbookID, total := range totals {
		if total < 5 || m.thresholds.MaxFailureRate <= 0 {
			continue
		}
		if rate := float64(failures[playbookID]) / float64(total); rate > m.thresholds.MaxFailureRate {
			alerts = m.fire(alerts, "failure_rate:"+playbookID,
				fmt.Sprintf("playbook %s failing %.0f%% of runs", playbookID, rate*100))
		}
	}
	if received >= 10 && m.thresholds.MaxDropRate > 0 {
		if rate := float64(dropped) / float64(received); rate > m.thresholds.MaxDropRate {
			alerts = m.fire(alerts, "ingest_drop_rate",
				fmt.Sprintf("%.0f%% of webhook deliveries dropped in the last hour", rate*100))
		}
	}
	return alerts
}

// fire emits one health alert unless the same key fired within the
// cooldown.
func (m *Monitor) fire(alerts []string, key, summary string) []string {
	m.mu.Lock()
	now := m.now()
	if last, ok := m.fired[key]; ok && now.Sub(last) < m.thresholds.AlertCooldown {
		m.mu.Unlock()
		return alerts
	}
	m.fired[key] = now
	m.mu.Unlock()

	m.logger.Warn("health alert", zap.String("key", key), zap.String("summary", summary))
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.HealthAlert,
			Summary:   summary,
			Detail:    map[string]any{"key": key},
			Timestamp: now,
		})
	}
	return append(alerts, key)
}

func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(m.history) && m.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.history = m.history[i:]
	}
}
