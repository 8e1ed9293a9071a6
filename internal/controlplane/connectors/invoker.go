package connectors

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marlinsec/playbookd/internal/controlplane/metrics"
)

// Stats are per-connector invocation counters.
type Stats struct {
	ConnectorID string        `json:"connector_id"`
	Calls       int64         `json:"calls"`
	Failures    int64         `json:"failures"`
	TotalTime   time.Duration `json:"-"`
	AvgMillis   float64       `json:"avg_ms"`
	LastCode    string        `json:"last_code,omitempty"`
	LastCallAt  time.Time     `json:"last_call_at"`
}

// Invoker resolves connector references, validates inputs against the
// action schema, races the call against a timeout and normalizes every
// failure into the closed error set.
type Invoker struct {
	store          *Store
	registry       *Registry
	metrics        *metrics.Metrics
	logger         *zap.Logger
	defaultTimeout time.Duration
	now            func() time.Time

	mu    sync.Mutex
	stats map[string]*Stats
}

func NewInvoker(store *Store, registry *Registry, m *metrics.Metrics, logger *zap.Logger, defaultTimeout time.Duration) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Invoker{
		store:          store,
		registry:       registry,
		metrics:        m,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		stats:          make(map[string]*Stats),
	}
}

// Invoke performs one connector call. ref resolves per Store.Lookup.
// A zero timeout uses the invoker default.
func (inv *Invoker) Invoke(ctx context.Context, ref, action string, inputs map[string]any, timeout time.Duration) (map[string]any, *Error) {
	rec, err := inv.store.Lookup(ref)
	if err != nil {
		return nil, Errorf(CodeNotFound, "connector %q not found", ref)
	}
	if !rec.Active {
		return nil, Errorf(CodeNotFound, "connector %q is not active", rec.ConnectorID)
	}

	impl, ok := inv.registry.Get(rec.Type)
	if !ok {
		return nil, Errorf(CodeNotImplemented, "connector type %q has no implementation", rec.Type)
	}

	schema, ok := impl.Actions()[action]
	if !ok {
		return nil, Errorf(CodeInvalidAction, "connector type %q does not support action %q", rec.Type, action)
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if verr := schema.ValidateInputs(inputs); verr != nil {
		return nil, verr
	}

	if timeout <= 0 {
		timeout = inv.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := inv.now()
	output, callErr := inv.race(callCtx, impl, action, inputs, rec.Config)
	latency := inv.now().Sub(start)

	code := "ok"
	var nerr *Error
	if callErr != nil {
		nerr = Normalize(callErr)
		code = nerr.Code
	}

	inv.record(rec.ConnectorID, latency, nerr)
	if inv.metrics != nil {
		inv.metrics.ObserveConnectorCall(rec.ConnectorID, action, code, latency)
	}
	if nerr != nil {
		inv.logger.Warn("connector call failed",
			zap.String("connector", rec.ConnectorID),
			zap.String("action", action),
			zap.String("code", nerr.Code),
			zap.Bool("retryable", nerr.Retryable),
			zap.Duration("latency", latency))
		return nil, nerr
	}
	return output, nil
}

// race runs the call in its own goroutine so a hung connector cannot
// block the worker past the timeout. The goroutine is left to finish on
// its own; its result is discarded after expiry.
func (inv *Invoker) race(ctx context.Context, impl Connector, action string, inputs, config map[string]any) (map[string]any, error) {
	type result struct {
		output map[string]any
		err    error
	}
	done := make(chan result, 1)

	go func() {
		output, err := impl.Execute(ctx, action, inputs, config)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		return nil, NewError(CodeTimeout, "connector call timed out")
	}
}

func (inv *Invoker) record(connectorID string, latency time.Duration, nerr *Error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	st, ok := inv.stats[connectorID]
	if !ok {
		st = &Stats{ConnectorID: connectorID}
		inv.stats[connectorID] = st
	}
	st.Calls++
	st.TotalTime += latency
	st.AvgMillis = float64(st.TotalTime.Milliseconds()) / float64(st.Calls)
	st.LastCallAt = inv.now().UTC()
	if nerr != nil {
		st.Failures++
		st.LastCode = nerr.Code
	} else {
		st.LastCode = "ok"
	}
}

// StatsSnapshot returns per-connector stats sorted by connector id.
func (inv *Invoker) StatsSnapshot() []Stats {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := make([]Stats, 0, len(inv.stats))
	for _, st := range inv.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out
}

// SetNow overrides the clock (tests).
func (inv *Invoker) SetNow(now func() time.Time) {
	if now != nil {
		inv.now = now
	}
}
