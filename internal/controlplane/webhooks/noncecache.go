package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// nonceCacheMax bounds the replay cache; the oldest entries are evicted
// past this size even before they expire.
const nonceCacheMax = 100000

// NonceCache remembers recently seen delivery fingerprints so a
// replayed request is rejected. Entries expire once the timestamp that
// produced them could no longer pass the freshness check anyway.
type NonceCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	order   []string
}

// NewNonceCache builds a replay cache. ttl should be the ingress
// freshness window plus a small margin.
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NonceCache{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]time.Time),
	}
}

// SetNow overrides the clock (tests).
func (c *NonceCache) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Fingerprint derives the replay key for a delivery.
func Fingerprint(webhookID, timestamp string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(webhookID))
	h.Write([]byte{'|'})
	h.Write([]byte(timestamp))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Seen records the fingerprint and reports whether it was already
// present. The first caller wins; every later identical delivery within
// the ttl is a replay.
func (c *NonceCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.prune(now)

	if _, ok := c.entries[fingerprint]; ok {
		return true
	}
	c.entries[fingerprint] = now
	c.order = append(c.order, fingerprint)

	for len(c.entries) > nonceCacheMax {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return false
}

// Len reports the current cache size.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	return len(c.entries)
}

func (c *NonceCache) prune(now time.Time) {
	cutoff := now.Add(-c.ttl)
	i := 0
	for i < len(c.order) {
		seen, ok := c.entries[c.order[i]]
		if ok && !seen.Before(cutoff) {
			break
		}
		if ok {
			delete(c.entries, c.order[i])
		}
		i++
	}
	if i > 0 {
		c.order = c.order[i:]
	}
}
