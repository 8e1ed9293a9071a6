package signing

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key := []byte("shared-secret")
	body := []byte(`{"rule":{"id":"5710"}}`)

	sig := Sign(key, "1700000000", body)
	if err := Verify(key, "1700000000", body, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key := []byte("shared-secret")
	body := []byte(`{"rule":{"id":"5710"}}`)
	sig := Sign(key, "1700000000", body)

	if err := Verify(key, "1700000000", []byte(`{"rule":{"id":"5711"}}`), sig); err == nil {
		t.Fatal("expected body tamper rejection")
	}
	if err := Verify(key, "1700000001", body, sig); err == nil {
		t.Fatal("expected timestamp tamper rejection")
	}
	flipped := "0" + sig[1:]
	if flipped == sig {
		flipped = "1" + sig[1:]
	}
	if err := Verify(key, "1700000000", body, flipped); err == nil {
		t.Fatal("expected signature tamper rejection")
	}
	if err := Verify([]byte("other-secret"), "1700000000", body, sig); err == nil {
		t.Fatal("expected wrong-key rejection")
	}
}

func TestVerifyRejectsNonHex(t *testing.T) {
	if err := Verify([]byte("k"), "1", []byte("body"), "not-hex!"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := NewSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != SecretBytes*2 {
		t.Fatalf("secret length = %d, want %d", len(a), SecretBytes*2)
	}
	if a == b {
		t.Fatal("secrets must not repeat")
	}
	if strings.ToLower(a) != a {
		t.Fatal("secret must be lowercase hex")
	}
}

func TestSecretsEqual(t *testing.T) {
	if !SecretsEqual("abc123", "abc123") {
		t.Fatal("equal secrets must match")
	}
	if SecretsEqual("abc123", "abc124") {
		t.Fatal("different secrets must not match")
	}
}
