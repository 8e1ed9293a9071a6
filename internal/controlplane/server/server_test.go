package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/marlinsec/playbookd/internal/controlplane/config"
	"github.com/marlinsec/playbookd/internal/controlplane/events"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const noopPlaybook = `{
	"playbook_id": "PB-NOOP-TRIAGE",
	"name": "noop triage",
	"dsl": {
		"name": "noop triage",
		"severity": "low",
		"steps": [
			{"id": "A1", "type": "action", "connector_id": "CN-NOOP", "action_type": "echo",
			 "input": {"note": "literal:done"}, "on_success": {"behavior": "end"}}
		]
	}
}`

func seedNoopFlow(t *testing.T, s *Server) {
	t.Helper()
	rec := do(t, s, "POST", "/api/v1/connectors",
		`{"connector_id": "CN-NOOP", "name": "noop", "type": "noop"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create connector = %d body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, "POST", "/api/v1/playbooks", noopPlaybook, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create playbook = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, "GET", "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	var health struct {
		Status string   `json:"status"`
		Alerts []string `json:"alerts"`
	}
	decode(t, rec, &health)
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}

	rec = do(t, s, "GET", "/metrics", "", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestFullDeliveryFlow(t *testing.T) {
	s := newTestServer(t, nil)
	seedNoopFlow(t, s)

	rec := do(t, s, "POST", "/api/v1/webhooks",
		`{"playbook_id": "PB-NOOP-TRIAGE", "require_signature": false}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create webhook = %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Webhook struct {
			WebhookID string `json:"webhook_id"`
		} `json:"webhook"`
	}
	decode(t, rec, &created)

	rec = do(t, s, "POST", "/webhook/"+created.Webhook.WebhookID,
		`{"rule": {"id": "5710", "level": 10}, "data": {"srcip": "1.2.3.4"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delivery = %d body %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		ExecutionID string `json:"execution_id"`
	}
	decode(t, rec, &accepted)

	// Workers are not running, so the execution completed inline.
	rec = do(t, s, "GET", "/api/v1/executions/"+accepted.ExecutionID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get execution = %d", rec.Code)
	}
	var exec struct {
		State string `json:"state"`
		Steps []struct {
			StepID string         `json:"step_id"`
			State  string         `json:"state"`
			Output map[string]any `json:"output"`
		} `json:"steps"`
	}
	decode(t, rec, &exec)
	if exec.State != "COMPLETED" {
		t.Fatalf("execution = %+v", exec)
	}
	if len(exec.Steps) != 1 || exec.Steps[0].Output["note"] != "done" {
		t.Fatalf("steps = %+v", exec.Steps)
	}
}

func TestManualTriggerThroughServer(t *testing.T) {
	s := newTestServer(t, nil)
	seedNoopFlow(t, s)

	rec := do(t, s, "POST", "/api/v1/executions",
		`{"playbook_id": "PB-NOOP-TRIAGE", "trigger_data": {"rule": {"id": "1"}}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("manual trigger = %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, "GET", "/api/v1/executions?state=COMPLETED", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	decode(t, rec, &list)
	if list.Count != 1 {
		t.Fatalf("count = %d", list.Count)
	}
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	secret := "pbk_bootstrap_secret"
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKeyHashes = []string{string(hash)}
	})

	// Liveness and ingress stay open.
	if rec := do(t, s, "GET", "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/webhook/WH-MISSING", `{}`, nil); rec.Code == http.StatusUnauthorized {
		t.Fatalf("ingress must not require api keys, got %d", rec.Code)
	}

	rec := do(t, s, "GET", "/api/v1/playbooks", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials = %d", rec.Code)
	}

	rec = do(t, s, "GET", "/api/v1/playbooks", "",
		map[string]string{"Authorization": "Bearer " + secret})
	if rec.Code != http.StatusOK {
		t.Fatalf("bootstrap key = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	s := newTestServer(t, nil)

	body := bytes.Repeat([]byte("x"), apiMaxBodyBytes+1)
	req := httptest.NewRequest("POST", "/api/v1/playbooks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body = %d", rec.Code)
	}
}

func TestAuditQueryAndExport(t *testing.T) {
	s := newTestServer(t, nil)
	seedNoopFlow(t, s)

	rec := do(t, s, "GET", "/api/v1/audit?action=playbook.created", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit query = %d", rec.Code)
	}
	var result struct {
		Count int `json:"count"`
	}
	decode(t, rec, &result)
	if result.Count != 1 {
		t.Fatalf("count = %d body %s", result.Count, rec.Body.String())
	}

	rec = do(t, s, "GET", "/api/v1/audit?limit=nope", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}

	rec = do(t, s, "GET", "/api/v1/audit/export?action=connector.created", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "CN-NOOP") {
		t.Fatalf("export body = %q", rec.Body.String())
	}
}

// syncRecorder is a flushable response writer safe for concurrent reads.
type syncRecorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func (r *syncRecorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *syncRecorder) WriteHeader(int) {}
func (r *syncRecorder) Flush()          {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestEventsSSEStreamsEngineEvents(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/api/v1/events", nil).WithContext(ctx)

	rec := &syncRecorder{}
	done := make(chan struct{})
	go func() {
		s.httpServer.Handler.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	s.bus.Publish(events.Event{
		Type:        events.ExecutionComplete,
		ExecutionID: "EX-1-0001",
		Summary:     "done",
		Timestamp:   time.Now().UTC(),
	})

	for !strings.Contains(rec.String(), "execution.completed") {
		if time.Now().After(deadline) {
			t.Fatalf("event never streamed, body %q", rec.String())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop on disconnect")
	}
	if !strings.Contains(rec.String(), "data: {") {
		t.Fatalf("missing data frame: %q", rec.String())
	}
}
