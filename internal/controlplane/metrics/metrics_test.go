package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.WebhookRequestsTotal.WithLabelValues("WH-1", "accepted").Inc()
	m.WebhookRequestsTotal.WithLabelValues("WH-1", "DUPLICATE_NONCE").Inc()
	m.ExecutionsLoopDetected.Inc()
	m.ObserveConnectorCall("vt", "lookup_ip", "ok", 120*time.Millisecond)

	if got := testutil.ToFloat64(m.WebhookRequestsTotal.WithLabelValues("WH-1", "accepted")); got != 1 {
		t.Fatalf("accepted counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsLoopDetected); got != 1 {
		t.Fatalf("loop counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectorCallsTotal.WithLabelValues("vt", "lookup_ip", "ok")); got != 1 {
		t.Fatalf("connector counter = %v, want 1", got)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.ExecutionsTotal.WithLabelValues("PB-SSH", "COMPLETED").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "playbookd_executions_total") {
		t.Fatalf("missing executions metric in output:\n%s", body)
	}
	if !strings.Contains(body, `playbook="PB-SSH"`) {
		t.Fatal("missing playbook label")
	}
}
