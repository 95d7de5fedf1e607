package audit

import (
	"context"

	"github.com/openctrol/openctrol-agent/internal/domain/audit"
)

// MemoryStore keeps only the recent-record ring buffer. Used when no audit
// directory is configured.
type MemoryStore struct {
	cache *recentCache
}

// NewMemoryStore returns a store holding the last size records.
func NewMemoryStore(size int) *MemoryStore {
	return &MemoryStore{cache: newRecentCache(size)}
}

func (m *MemoryStore) Append(_ context.Context, records ...audit.Record) error {
	for _, rec := range records {
		m.cache.Add(rec)
	}
	return nil
}

func (m *MemoryStore) Recent(n int) []audit.Record { return m.cache.Recent(n) }

func (m *MemoryStore) Flush(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ audit.Store = (*MemoryStore)(nil)
