package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/marlinsec/playbookd/internal/controlplane/triggers"
	"github.com/marlinsec/playbookd/internal/shared/signing"
)

// fakeStarter counts starts and hands out sequential execution ids.
type fakeStarter struct {
	starts []StartRequest
	err    error
}

func (f *fakeStarter) Start(req StartRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.starts = append(f.starts, req)
	return fmt.Sprintf("EX-%d", len(f.starts)), nil
}

type ingressFixture struct {
	ingress *Ingress
	store   *Store
	starter *fakeStarter
	hook    *Webhook
	mux     *http.ServeMux
	clock   time.Time
}

func newIngressFixture(t *testing.T, cfg IngressConfig, requireSignature bool) *ingressFixture {
	t.Helper()
	store := newTestStore(t)
	hook, err := store.Create("PB-SSH", requireSignature)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	trigger := &triggers.Trigger{
		Match:   triggers.MatchAll,
		Enabled: true,
		Conditions: []triggers.Condition{
			{Field: "rule.id", Operator: triggers.OpEquals, Value: "5710"},
		},
	}
	if err := store.SetTrigger(hook.WebhookID, trigger); err != nil {
		t.Fatalf("set trigger: %v", err)
	}

	starter := &fakeStarter{}
	ingress := NewIngress(store, starter, cfg, nil, nil, nil, nil)

	fix := &ingressFixture{
		ingress: ingress,
		store:   store,
		starter: starter,
		hook:    hook,
		clock:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	ingress.SetNow(func() time.Time { return fix.clock })

	fix.mux = http.NewServeMux()
	fix.mux.HandleFunc("POST /webhook/{webhook_id}", ingress.HandleDelivery)
	return fix
}

func permissiveConfig() IngressConfig {
	return IngressConfig{
		MaxBodyBytes:           256 << 10,
		FreshnessWindow:        5 * time.Minute,
		PerSourceBurst:         1000,
		GlobalPerWindow:        10000,
		PlaybookFloodPerMinute: 1000,
		GlobalFloodPerMinute:   10000,
	}
}

func (f *ingressFixture) deliver(t *testing.T, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/"+f.hook.WebhookID, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:40000"
	if sign {
		ts := strconv.FormatInt(f.clock.Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, signing.Sign([]byte(f.hook.Secret), ts, []byte(body)))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func rejectionCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rejection %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

const matchingAlert = `{"rule":{"id":"5710","level":10},"data":{"srcip":"1.2.3.4"}}`

func TestDeliveryAcceptedAndNormalized(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), true)

	rec := fix.deliver(t, matchingAlert, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ExecutionID != "EX-1" {
		t.Fatalf("execution_id = %q", resp.ExecutionID)
	}

	if len(fix.starter.starts) != 1 {
		t.Fatalf("starts = %d", len(fix.starter.starts))
	}
	start := fix.starter.starts[0]
	if start.PlaybookID != "PB-SSH" {
		t.Fatalf("playbook = %s", start.PlaybookID)
	}
	// Normalization adds the flat alias before the engine sees it.
	if start.TriggerData["source_ip"] != "1.2.3.4" {
		t.Fatalf("source_ip alias missing: %v", start.TriggerData)
	}

	hook, _ := fix.store.Get(fix.hook.WebhookID)
	if hook.Stats.Accepted != 1 {
		t.Fatalf("accepted stat = %d", hook.Stats.Accepted)
	}
}

func TestDeliveryDroppedOnNoMatch(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), true)

	rec := fix.deliver(t, `{"rule":{"id":"9999"}}`, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(fix.starter.starts) != 0 {
		t.Fatal("dropped delivery must not start an execution")
	}
	hook, _ := fix.store.Get(fix.hook.WebhookID)
	if hook.Stats.Dropped != 1 {
		t.Fatalf("dropped stat = %d", hook.Stats.Dropped)
	}
}

func TestReplayIsRejectedOnce(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), true)

	first := fix.deliver(t, matchingAlert, true)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	second := fix.deliver(t, matchingAlert, true)
	if second.Code != http.StatusBadRequest || rejectionCode(t, second) != CodeDuplicateNonce {
		t.Fatalf("second = %d %s", second.Code, second.Body.String())
	}
	if len(fix.starter.starts) != 1 {
		t.Fatalf("executions = %d, want exactly 1", len(fix.starter.starts))
	}

	// After the freshness window the fingerprint has aged out; a fresh
	// timestamp makes it a new delivery.
	fix.clock = fix.clock.Add(7 * time.Minute)
	third := fix.deliver(t, matchingAlert, true)
	if third.Code != http.StatusAccepted {
		t.Fatalf("third status = %d: %s", third.Code, third.Body.String())
	}
}

func TestSignatureBitFlipRejected(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), true)

	ts := strconv.FormatInt(fix.clock.Unix(), 10)
	good := signing.Sign([]byte(fix.hook.Secret), ts, []byte(matchingAlert))

	// Flip one hex digit.
	flipped := []byte(good)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	req := httptest.NewRequest("POST", "/webhook/"+fix.hook.WebhookID, strings.NewReader(matchingAlert))
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, string(flipped))
	rec := httptest.NewRecorder()
	fix.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || rejectionCode(t, rec) != CodeSignatureMismatch {
		t.Fatalf("flipped signature = %d %s", rec.Code, rec.Body.String())
	}

	// Tampered body under the original signature also fails.
	tampered := strings.Replace(matchingAlert, "1.2.3.4", "1.2.3.5", 1)
	req = httptest.NewRequest("POST", "/webhook/"+fix.hook.WebhookID, strings.NewReader(tampered))
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, good)
	rec = httptest.NewRecorder()
	fix.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body = %d", rec.Code)
	}
}

func TestUnsignedDeliveryPolicy(t *testing.T) {
	// Mandated HMAC rejects unsigned deliveries.
	strict := newIngressFixture(t, permissiveConfig(), true)
	rec := strict.deliver(t, matchingAlert, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned on strict webhook = %d", rec.Code)
	}

	// Compat webhooks accept unsigned deliveries.
	compat := newIngressFixture(t, permissiveConfig(), false)
	rec = compat.deliver(t, matchingAlert, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unsigned on compat webhook = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTimestampChecks(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)

	send := func(ts, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhook/"+fix.hook.WebhookID, strings.NewReader(matchingAlert))
		req.RemoteAddr = "203.0.113.7:40000"
		if ts != "" {
			req.Header.Set(HeaderTimestamp, ts)
		}
		if sig != "" {
			req.Header.Set(HeaderSignature, sig)
		}
		rec := httptest.NewRecorder()
		fix.mux.ServeHTTP(rec, req)
		return rec
	}

	// Future timestamp beyond the window.
	future := strconv.FormatInt(fix.clock.Add(10*time.Minute).Unix(), 10)
	rec := send(future, "")
	if rec.Code != http.StatusBadRequest || rejectionCode(t, rec) != CodeTimestampSkew {
		t.Fatalf("future ts = %d %s", rec.Code, rec.Body.String())
	}

	// Unparseable timestamp.
	rec = send("yesterday", "")
	if rejectionCode(t, rec) != CodeTimestampSkew {
		t.Fatalf("bad ts = %s", rec.Body.String())
	}

	// Signature with no timestamp.
	rec = send("", "deadbeef")
	if rec.Code != http.StatusBadRequest || rejectionCode(t, rec) != CodeMissingTimestamp {
		t.Fatalf("missing ts = %d %s", rec.Code, rec.Body.String())
	}

	// Signed delivery with an expired timestamp.
	old := strconv.FormatInt(fix.clock.Add(-10*time.Minute).Unix(), 10)
	sig := signing.Sign([]byte(fix.hook.Secret), old, []byte(matchingAlert))
	rec = send(old, sig)
	if rec.Code != http.StatusBadRequest || rejectionCode(t, rec) != CodeTimestampExpired {
		t.Fatalf("expired ts = %d %s", rec.Code, rec.Body.String())
	}
}

func TestDisabledAndSuspendedStatus(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)

	if _, err := fix.store.SetStatus(fix.hook.WebhookID, StatusDisabled, false, ""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	rec := fix.deliver(t, matchingAlert, false)
	if rec.Code != http.StatusGone {
		t.Fatalf("disabled = %d", rec.Code)
	}

	if _, err := fix.store.SetStatus(fix.hook.WebhookID, StatusSuspended, false, "abuse"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	// New body so the nonce cache does not intercept first.
	rec = fix.deliver(t, `{"rule":{"id":"5710"},"n":2}`, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("suspended = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFloodControlReasons(t *testing.T) {
	cfg := permissiveConfig()
	cfg.PlaybookFloodPerMinute = 2
	cfg.GlobalFloodPerMinute = 100
	fix := newIngressFixture(t, cfg, false)

	for i := 0; i < 2; i++ {
		rec := fix.deliver(t, fmt.Sprintf(`{"rule":{"id":"5710"},"n":%d}`, i), false)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %d = %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	rec := fix.deliver(t, `{"rule":{"id":"5710"},"n":99}`, false)
	if rec.Code != http.StatusTooManyRequests || rejectionCode(t, rec) != CodePlaybookFloodLimit {
		t.Fatalf("playbook flood = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("flood rejection must carry Retry-After")
	}

	// Global ceiling classifies differently.
	cfg = permissiveConfig()
	cfg.PlaybookFloodPerMinute = 100
	cfg.GlobalFloodPerMinute = 1
	fix = newIngressFixture(t, cfg, false)
	if rec := fix.deliver(t, `{"rule":{"id":"5710"},"n":1}`, false); rec.Code != http.StatusAccepted {
		t.Fatalf("first = %d", rec.Code)
	}
	rec = fix.deliver(t, `{"rule":{"id":"5710"},"n":2}`, false)
	if rejectionCode(t, rec) != CodeGlobalFloodLimit {
		t.Fatalf("global flood = %s", rec.Body.String())
	}
}

func TestSourceRateLimitAndBodyCap(t *testing.T) {
	cfg := permissiveConfig()
	cfg.PerSourceBurst = 2
	fix := newIngressFixture(t, cfg, false)

	for i := 0; i < 2; i++ {
		rec := fix.deliver(t, fmt.Sprintf(`{"rule":{"id":"5710"},"n":%d}`, i), false)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %d = %d", i, rec.Code)
		}
	}
	rec := fix.deliver(t, `{"rule":{"id":"5710"},"n":3}`, false)
	if rec.Code != http.StatusTooManyRequests || rejectionCode(t, rec) != CodeRateLimited {
		t.Fatalf("rate limit = %d %s", rec.Code, rec.Body.String())
	}

	cfg = permissiveConfig()
	cfg.MaxBodyBytes = 64
	fix = newIngressFixture(t, cfg, false)
	big := `{"pad":"` + strings.Repeat("x", 200) + `"}`
	rec = fix.deliver(t, big, false)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized = %d", rec.Code)
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)

	for i, body := range []string{`not json`, `[1,2,3]`, `"string"`, `null`} {
		rec := fix.deliver(t, body, false)
		if rec.Code != http.StatusBadRequest || rejectionCode(t, rec) != CodeInvalidPayload {
			t.Fatalf("case %d (%s) = %d %s", i, body, rec.Code, rec.Body.String())
		}
	}
	if len(fix.starter.starts) != 0 {
		t.Fatal("invalid payloads must not start executions")
	}
}

func TestNilTriggerMatchesEverything(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)
	if err := fix.store.SetTrigger(fix.hook.WebhookID, nil); err != nil {
		t.Fatalf("clear trigger: %v", err)
	}

	rec := fix.deliver(t, `{"anything":true}`, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDisabledTriggerDropsEverything(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)
	trigger := &triggers.Trigger{Match: triggers.MatchAll, Enabled: false}
	if err := fix.store.SetTrigger(fix.hook.WebhookID, trigger); err != nil {
		t.Fatalf("set trigger: %v", err)
	}

	rec := fix.deliver(t, matchingAlert, false)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNonceCacheExpiry(t *testing.T) {
	cache := NewNonceCache(time.Minute)
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache.SetNow(func() time.Time { return clock })

	fp := Fingerprint("WH-1", "1700000000", []byte(`{}`))
	if cache.Seen(fp) {
		t.Fatal("first sighting must be new")
	}
	if !cache.Seen(fp) {
		t.Fatal("second sighting must be a replay")
	}

	clock = clock.Add(2 * time.Minute)
	if cache.Seen(fp) {
		t.Fatal("expired fingerprint must read as new")
	}
	if cache.Len() != 1 {
		t.Fatalf("len = %d", cache.Len())
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("WH-1", "1700000000", []byte(`{"a":1}`))
	if base == Fingerprint("WH-2", "1700000000", []byte(`{"a":1}`)) {
		t.Fatal("webhook id must participate")
	}
	if base == Fingerprint("WH-1", "1700000001", []byte(`{"a":1}`)) {
		t.Fatal("timestamp must participate")
	}
	if base == Fingerprint("WH-1", "1700000000", []byte(`{"a":2}`)) {
		t.Fatal("body must participate")
	}
}

func TestStarterFailureCountsError(t *testing.T) {
	fix := newIngressFixture(t, permissiveConfig(), false)
	fix.starter.err = fmt.Errorf("store down")

	rec := fix.deliver(t, matchingAlert, false)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	hook, _ := fix.store.Get(fix.hook.WebhookID)
	if hook.Stats.Errors != 1 {
		t.Fatalf("errors stat = %d", hook.Stats.Errors)
	}
}
