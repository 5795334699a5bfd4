// Package dedup provides the suppression set that keeps one triage pass
// per alert within a TTL window. The claim is first-writer-wins:
// SetIfAbsent reports true for exactly one caller per key per window.
package dedup

import (
	"context"
	"sync"
	"time"
)

// TTLSet is a set of keys with per-key expiry.
type TTLSet interface {
	// SetIfAbsent claims key for ttl. It reports true when this call
	// created the entry, false when a live entry already existed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Memory is an in-process TTLSet, the fallback when Redis is not
// configured. Expired entries are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry

	now func() time.Time
}

// NewMemory initializes an in-process TTLSet.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetIfAbsent implements TTLSet. It never fails.
func (m *Memory) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	// Opportunistic sweep so a long-lived process does not accumulate
	// dead keys between repeats.
	if len(m.entries) > 1024 {
		for k, exp := range m.entries {
			if !exp.After(now) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

// Len reports live entries, expired ones excluded.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, exp := range m.entries {
		if exp.After(now) {
			n++
		}
	}
	return n
}
