// Package usage implements the in-memory, monotonic key usage counter
// and the least-used-key ordering used to pick which key to try next.
package usage

import (
	"sort"
	"sync"
)

// Counter tracks a non-negative usage count per raw API key.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// New creates an empty Counter.
func New() *Counter {
	return &Counter{counts: map[string]int64{}}
}

// Increment bumps the usage count for key.
func (c *Counter) Increment(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
}

// Count returns the current usage count for key.
func (c *Counter) Count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// CooldownChecker reports whether a key (by fingerprint) is currently
// unusable. Satisfied by *cooldown.Store.
type CooldownChecker interface {
	IsKeyCoolingDown(keyID string) bool
}

// ExpiryLookup is the extra capability needed for the all-keys-cooling-down
// fallback: earliest-expiry-first ordering.
type ExpiryLookup interface {
	CooldownChecker
	KeyExpiry(keyID string) (int64, bool)
}

// FingerprintFunc maps a raw key to its cooldown-store identity.
type FingerprintFunc func(key string) string

// SortedAvailable returns keys not currently in cooldown, ascending by
// usage count, ties broken by the order keys appear in the configuration.
// If every key is in cooldown, it falls back to all configured keys
// ordered by earliest cooldown expiry first.
func (c *Counter) SortedAvailable(keys []string, cooldown ExpiryLookup, fp FingerprintFunc) []string {
	c.mu.Lock()
	available := make([]string, 0, len(keys))
	for _, k := range keys {
		if !cooldown.IsKeyCoolingDown(fp(k)) {
			available = append(available, k)
		}
	}

	if len(available) == 0 {
		c.mu.Unlock()
		return c.fallbackByExpiry(keys, cooldown, fp)
	}

	origIndex := make(map[string]int, len(keys))
	for i, k := range keys {
		origIndex[k] = i
	}
	counts := make(map[string]int64, len(available))
	for _, k := range available {
		counts[k] = c.counts[k]
	}
	c.mu.Unlock()

	sort.SliceStable(available, func(i, j int) bool {
		ci, cj := counts[available[i]], counts[available[j]]
		if ci != cj {
			return ci < cj
		}
		return origIndex[available[i]] < origIndex[available[j]]
	})
	return available
}

func (c *Counter) fallbackByExpiry(keys []string, cooldown ExpiryLookup, fp FingerprintFunc) []string {
	out := append([]string(nil), keys...)
	sort.SliceStable(out, func(i, j int) bool {
		ei, _ := cooldown.KeyExpiry(fp(out[i]))
		ej, _ := cooldown.KeyExpiry(fp(out[j]))
		return ei < ej
	})
	return out
}
