package notification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the append-only notification log.
type Store interface {
	// Append persists rec. Records are immutable once appended.
	Append(ctx context.Context, rec *Record) error
	// Before returns up to limit records strictly older than cursor (or the
	// newest limit records when cursor is nil), oldest first.
	Before(ctx context.Context, cursor *time.Time, limit int) ([]Record, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// MemoryStore keeps records in memory ordered by SentAt.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	maxSize int
}

// NewMemoryStore creates a store retaining up to maxSize records
// (0 keeps everything).
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{maxSize: maxSize}
}

// Append inserts rec in SentAt order, evicting the oldest past maxSize.
func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].SentAt.After(rec.SentAt)
	})
	s.records = append(s.records, Record{})
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = *rec

	if s.maxSize > 0 && len(s.records) > s.maxSize {
		s.records = append([]Record(nil), s.records[len(s.records)-s.maxSize:]...)
	}
	return nil
}

// Before returns the page of records preceding cursor.
func (s *MemoryStore) Before(_ context.Context, cursor *time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	end := len(s.records)
	if cursor != nil {
		end = sort.Search(len(s.records), func(i int) bool {
			return !s.records[i].SentAt.Before(*cursor)
		})
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]Record, end-start)
	copy(page, s.records[start:end])
	return page, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}
