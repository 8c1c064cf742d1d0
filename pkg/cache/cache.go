// Package cache looks up and records previously observed verification
// outcomes keyed by normalized email.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
)

// Entry is one cached outcome.
type Entry struct {
	Email      string
	Outcome    string
	Reason     string
	ObservedAt time.Time
}

// Store resolves cached outcomes in batches.
type Store interface {
	// LookupMany returns entries for the emails that have a cached outcome.
	// Emails must already be normalized. Misses are simply absent.
	LookupMany(ctx context.Context, emails []string) (map[string]Entry, error)
}

// Writer records observed outcomes.
type Writer interface {
	Upsert(ctx context.Context, entries []Entry) error
}

// MemoryStore is an in-process Store and Writer.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
)

func NewMemoryStore(entries ...Entry) *MemoryStore {
	m := &MemoryStore{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		e.Email = resultrow.NormalizeEmail(e.Email)
		m.entries[e.Email] = e
	}
	return m
}

func (m *MemoryStore) LookupMany(_ context.Context, emails []string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Entry)
	for _, email := range emails {
		if e, ok := m.entries[email]; ok {
			out[email] = e
		}
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Email = resultrow.NormalizeEmail(e.Email)
		m.entries[e.Email] = e
	}
	return nil
}

// Emails returns the cached emails in sorted order.
func (m *MemoryStore) Emails() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
