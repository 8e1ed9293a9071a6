package connectors

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// scriptedConnector returns queued results in order, then repeats the
// last one.
type scriptedConnector struct {
	typeName string
	schema   map[string]ActionSchema
	results  []scriptedResult
	calls    int
	delay    time.Duration
}

type scriptedResult struct {
	output map[string]any
	err    error
}

func (s *scriptedConnector) Type() string { return s.typeName }

func (s *scriptedConnector) Actions() map[string]ActionSchema {
	if s.schema != nil {
		return s.schema
	}
	return map[string]ActionSchema{"run": {}}
}

func (s *scriptedConnector) Execute(ctx context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	if idx < 0 {
		return map[string]any{}, nil
	}
	res := s.results[idx]
	return res.output, res.err
}

func newTestInvoker(t *testing.T, impl Connector) (*Invoker, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "connectors.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry()
	if err := registry.Register(impl); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Seal()

	return NewInvoker(store, registry, nil, nil, 5*time.Second), store
}

func TestInvokeHappyPath(t *testing.T) {
	impl := &scriptedConnector{
		typeName: "vt",
		results:  []scriptedResult{{output: map[string]any{"reputation_score": float64(80)}}},
	}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-VT", Name: "virustotal", Type: "vt", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	output, nerr := invoker.Invoke(context.Background(), "CN-VT", "run", map[string]any{"ip": "1.2.3.4"}, 0)
	if nerr != nil {
		t.Fatalf("invoke: %v", nerr)
	}
	if output["reputation_score"] != float64(80) {
		t.Fatalf("output = %v", output)
	}

	stats := invoker.StatsSnapshot()
	if len(stats) != 1 || stats[0].Calls != 1 || stats[0].Failures != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestInvokeLookupFallbacks(t *testing.T) {
	impl := &scriptedConnector{typeName: "vt", results: []scriptedResult{{output: map[string]any{}}}}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-VT", Name: "virustotal", Type: "vt", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	// By type and by name both resolve to the same record.
	if _, nerr := invoker.Invoke(context.Background(), "vt", "run", nil, 0); nerr != nil {
		t.Fatalf("lookup by type: %v", nerr)
	}
	if _, nerr := invoker.Invoke(context.Background(), "virustotal", "run", nil, 0); nerr != nil {
		t.Fatalf("lookup by name: %v", nerr)
	}
}

func TestInvokeInactiveConnector(t *testing.T) {
	impl := &scriptedConnector{typeName: "vt", results: []scriptedResult{{output: map[string]any{}}}}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-VT", Name: "virustotal", Type: "vt", Active: false}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, nerr := invoker.Invoke(context.Background(), "CN-VT", "run", nil, 0)
	if nerr == nil || nerr.Code != CodeNotFound {
		t.Fatalf("inactive connector: %v", nerr)
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	impl := &scriptedConnector{typeName: "vt"}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-VT", Name: "virustotal", Type: "vt", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, nerr := invoker.Invoke(context.Background(), "CN-VT", "detonate", nil, 0)
	if nerr == nil || nerr.Code != CodeInvalidAction {
		t.Fatalf("unknown action: %v", nerr)
	}
	if nerr.Retryable {
		t.Fatal("INVALID_ACTION must not be retryable")
	}
}

func TestInvokeSchemaValidation(t *testing.T) {
	impl := &scriptedConnector{
		typeName: "blocklist",
		schema: map[string]ActionSchema{
			"block_ip": {
				RequiredFields: []string{"ip"},
				OptionalFields: []string{"reason"},
				FieldTypes:     map[string]string{"ip": FieldIP, "reason": FieldString},
			},
		},
		results: []scriptedResult{{output: map[string]any{"status": "blocked"}}},
	}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-BL", Name: "blocklist", Type: "blocklist", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	tests := []struct {
		name   string
		inputs map[string]any
		code   string
	}{
		{"missing required", map[string]any{"reason": "auto"}, CodeInvalidInput},
		{"bad ip", map[string]any{"ip": "999.1.1.1"}, CodeInvalidInput},
		{"not an ip", map[string]any{"ip": "evil.example"}, CodeInvalidInput},
		{"unknown field", map[string]any{"ip": "1.2.3.4", "extra": true}, CodeInvalidInput},
		{"ok", map[string]any{"ip": "1.2.3.4", "reason": "auto"}, ""},
	}
	for _, tc := range tests {
		_, nerr := invoker.Invoke(context.Background(), "CN-BL", "block_ip", tc.inputs, 0)
		if tc.code == "" {
			if nerr != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, nerr)
			}
			continue
		}
		if nerr == nil || nerr.Code != tc.code {
			t.Fatalf("%s: error = %v, want %s", tc.name, nerr, tc.code)
		}
	}
}

func TestInvokeUnknownSchemaType(t *testing.T) {
	impl := &scriptedConnector{
		typeName: "edr",
		schema: map[string]ActionSchema{
			"isolate": {
				RequiredFields: []string{"host%id"},
				FieldTypes:     map[string]string{"host%id": "uuid"},
			},
		},
		results: []scriptedResult{{output: map[string]any{}}},
	}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-EDR", Name: "edr", Type: "edr", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, nerr := invoker.Invoke(context.Background(), "CN-EDR", "isolate", map[string]any{"host%id": "h-1"}, 0)
	if nerr == nil || nerr.Code != CodeInternal {
		t.Fatalf("unknown schema type: %v", nerr)
	}
	// Field names pass through literally, no format re-interpretation.
	if !strings.Contains(nerr.Message, `"host%id"`) || !strings.Contains(nerr.Message, `"uuid"`) {
		t.Fatalf("message = %q", nerr.Message)
	}
}

func TestInvokeTimeout(t *testing.T) {
	impl := &scriptedConnector{
		typeName: "slow",
		results:  []scriptedResult{{output: map[string]any{}}},
		delay:    time.Second,
	}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-SLOW", Name: "slow", Type: "slow", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	start := time.Now()
	_, nerr := invoker.Invoke(context.Background(), "CN-SLOW", "run", nil, 50*time.Millisecond)
	if nerr == nil || nerr.Code != CodeTimeout {
		t.Fatalf("timeout: %v", nerr)
	}
	if !nerr.Retryable {
		t.Fatal("CONNECTOR_TIMEOUT must be retryable")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("invoke did not return promptly on timeout")
	}
}

func TestInvokeNormalizesArbitraryErrors(t *testing.T) {
	impl := &scriptedConnector{
		typeName: "flaky",
		results:  []scriptedResult{{err: context.DeadlineExceeded}},
	}
	invoker, store := newTestInvoker(t, impl)
	if _, err := store.Create(Record{ConnectorID: "CN-F", Name: "flaky", Type: "flaky", Active: true}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	_, nerr := invoker.Invoke(context.Background(), "CN-F", "run", nil, 0)
	if nerr == nil || nerr.Code != CodeTimeout {
		t.Fatalf("normalized error = %v", nerr)
	}
}

func TestFromHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{401, CodeAuthFailed},
		{403, CodeAuthFailed},
		{404, CodeNotFound},
		{429, CodeRateLimited},
		{500, CodeServiceUnavailable},
		{503, CodeServiceUnavailable},
		{400, CodeInvalidInput},
	}
	for _, tc := range tests {
		if got := FromHTTPStatus(tc.status, "x").Code; got != tc.code {
			t.Errorf("status %d → %s, want %s", tc.status, got, tc.code)
		}
	}
	if !FromHTTPStatus(429, "x").Retryable {
		t.Fatal("RATE_LIMITED must be retryable")
	}
	if FromHTTPStatus(404, "x").Retryable {
		t.Fatal("NOT_FOUND must not be retryable")
	}
}

func TestRegistrySealAndDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(NoopConnector{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(NoopConnector{}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	registry.Seal()
	if err := registry.Register(&scriptedConnector{typeName: "late"}); err == nil {
		t.Fatal("registration after seal must fail")
	}
}
