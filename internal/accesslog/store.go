package accesslog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/l7policy/internal/pagination"
)

// DefaultListLimit caps List results when the filter sets no limit.
const DefaultListLimit = 100

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EntryType  *EntryType
	PolicyName string
	Limit      int
	// Before resumes a newest-first listing after the given record.
	Before *pagination.Cursor
}

func (f Filter) matches(e *Entry) bool {
	if f.EntryType != nil && e.EntryType != *f.EntryType {
		return false
	}
	if f.PolicyName != "" && e.PolicyName != f.PolicyName {
		return false
	}
	return f.Before.Admits(e.Timestamp, e.ID)
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Store persists collected records.
type Store interface {
	Save(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
}

// MemoryStore keeps the most recent records in memory, for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	capacity int
}

// NewMemoryStore creates a store retaining up to capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{capacity: capacity}
}

func (m *MemoryStore) Save(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, e.Clone())
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = append([]*Entry(nil), m.entries[over:]...)
	}
	return nil
}

// List returns matching records, newest first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.limit()
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if f.matches(m.entries[i]) {
			result = append(result, m.entries[i].Clone())
		}
	}
	return result, nil
}

// CursorOf returns the pagination key of e.
func CursorOf(e *Entry) pagination.Cursor {
	return pagination.Cursor{Timestamp: e.Timestamp, ID: e.ID}
}

var _ Store = (*MemoryStore)(nil)

// StoreHandler saves every record to store. Save failures are logged and the
// record is dropped.
func StoreHandler(store Store, logger *slog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, e *Entry) {
		if err := store.Save(ctx, e); err != nil {
			logger.WarnContext(ctx, "failed to store access log record", "id", e.ID, "error", err)
		}
	})
}
