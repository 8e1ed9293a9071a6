// Package signing provides HMAC-SHA256 signing and verification for
// webhook ingress. Alert sources sign "<timestamp>.<raw body>" with the
// webhook's shared secret; the ingress verifies in constant time before
// any payload is trusted.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SecretBytes is the length of a generated webhook secret.
const SecretBytes = 32

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<body>" under key.
func Sign(key []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature over "<timestamp>.<body>" in constant time.
func Verify(key []byte, timestamp string, body []byte, signature string) error {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expected, err := hex.DecodeString(Sign(key, timestamp, body))
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(provided, expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// NewSecret generates a random webhook secret, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SecretsEqual compares two hex secrets without leaking timing.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
