package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestKeyStore(t *testing.T) (*KeyStore, *time.Time) {
	t.Helper()
	store, err := NewKeyStore(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("new key store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time { return clock })
	return store, &clock
}

func TestCreateAndValidate(t *testing.T) {
	store, _ := newTestKeyStore(t)

	key, plaintext, err := store.Create("ci pipeline", []Permission{PermExecutionRun}, time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plaintext, "pbk_") || len(plaintext) != 4+64 {
		t.Fatalf("plaintext shape = %q", plaintext)
	}
	if key.Prefix != plaintext[:12] {
		t.Fatalf("prefix = %q", key.Prefix)
	}

	got, err := store.Validate(plaintext)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.KeyID != key.KeyID || !got.Allows(PermExecutionRun) {
		t.Fatalf("validated = %+v", got)
	}
	if got.Allows(PermPlaybookWrite) {
		t.Fatal("scoped key must not gain other permissions")
	}
	if got.LastUsedAt.IsZero() {
		t.Fatal("last_used_at not stamped")
	}

	if _, err := store.Validate("pbk_" + strings.Repeat("0", 64)); err != ErrInvalidKey {
		t.Fatalf("wrong key = %v", err)
	}
	if _, err := store.Validate("short"); err != ErrInvalidKey {
		t.Fatalf("malformed key = %v", err)
	}
}

func TestAdminImpliesEverything(t *testing.T) {
	key := &APIKey{Permissions: []Permission{PermAdmin}}
	for _, perm := range []Permission{PermPlaybookWrite, PermWebhookManage, PermApprovalDecide, PermAuditRead} {
		if !key.Allows(perm) {
			t.Fatalf("admin denied %s", perm)
		}
	}
}

func TestKeyExpiry(t *testing.T) {
	store, clock := newTestKeyStore(t)

	_, plaintext, err := store.Create("short lived", []Permission{PermAdmin}, clock.Add(time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Validate(plaintext); err != nil {
		t.Fatalf("fresh key: %v", err)
	}

	*clock = clock.Add(2 * time.Hour)
	if _, err := store.Validate(plaintext); err != ErrKeyExpired {
		t.Fatalf("expired key = %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, _ := newTestKeyStore(t)
	key, plaintext, err := store.Create("to revoke", []Permission{PermAdmin}, time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(key.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Validate(plaintext); err != ErrInvalidKey {
		t.Fatalf("revoked key = %v", err)
	}
	if err := store.Revoke("KEY-MISSING"); err != ErrNotFound {
		t.Fatalf("missing key = %v", err)
	}
}

func TestListHidesHashes(t *testing.T) {
	store, _ := newTestKeyStore(t)
	if _, _, err := store.Create("a", []Permission{PermAdmin}, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	keys, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	payload, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(payload), keys[0].KeyHash) {
		t.Fatal("hash leaked through serialization")
	}
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestMiddlewareGatesRequests(t *testing.T) {
	store, _ := newTestKeyStore(t)
	_, plaintext, err := store.Create("ops", []Permission{PermAdmin}, time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mw := NewMiddleware(store, nil, []string{"/healthz", "/webhook/*"})
	handler := mw.Wrap(http.HandlerFunc(okHandler))

	// Skipped paths pass without credentials.
	for _, path := range []string{"/healthz", "/webhook/WH-1"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}

	// Guarded paths need a valid bearer key.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/playbooks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/playbooks", nil)
	req.Header.Set("Authorization", "Bearer pbk_"+strings.Repeat("f", 64))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus key = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/playbooks", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key = %d", rec.Code)
	}
}

func TestMiddlewareStaticHash(t *testing.T) {
	secret := "pbk_bootstrap_operator_secret"
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	mw := NewMiddleware(nil, []string{string(hash)}, nil)

	var seen *APIKey
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/playbooks", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("static key = %d", rec.Code)
	}
	if seen == nil || !seen.Allows(PermAdmin) {
		t.Fatalf("static key context = %+v", seen)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/playbooks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong static key = %d", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	guarded := Require(PermApprovalDecide, okHandler)

	// A scoped key without the permission is rejected.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/approvals/AP-1/approve", nil)
	scoped := &APIKey{Permissions: []Permission{PermAuditRead}}
	req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey, scoped))
	guarded(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("scoped key = %d", rec.Code)
	}

	// The right permission passes.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/approvals/AP-1/approve", nil)
	req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey,
		&APIKey{Permissions: []Permission{PermApprovalDecide}}))
	guarded(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed key = %d", rec.Code)
	}

	// No key in context means auth is not configured: open mode.
	rec = httptest.NewRecorder()
	guarded(rec, httptest.NewRequest("POST", "/api/v1/approvals/AP-1/approve", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("open mode = %d", rec.Code)
	}
}

func TestKeyManagementEndpoints(t *testing.T) {
	store, _ := newTestKeyStore(t)
	handler := NewHandler(store, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/keys", handler.HandleCreate)
	mux.HandleFunc("GET /api/v1/auth/keys", handler.HandleList)
	mux.HandleFunc("DELETE /api/v1/auth/keys/{key_id}", handler.HandleRevoke)

	rec := httptest.NewRecorder()
	body := `{"name": "ci", "permissions": ["execution:run"], "ttl_hours": 24}`
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/auth/keys", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Key       APIKey `json:"key"`
		Plaintext string `json:"plaintext"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Plaintext == "" || created.Key.ExpiresAt.IsZero() {
		t.Fatalf("created = %+v", created)
	}

	// The plaintext never shows up again.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/auth/keys", nil))
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), created.Plaintext) {
		t.Fatalf("list = %d, leaked plaintext: %v", rec.Code, strings.Contains(rec.Body.String(), created.Plaintext))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/auth/keys/"+created.Key.KeyID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d", rec.Code)
	}
	if _, err := store.Validate(created.Plaintext); err != ErrInvalidKey {
		t.Fatalf("revoked key still validates: %v", err)
	}
}
