package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps the archive in-process. Suitable for single-process
// deployments and tests; bounded by the analytics retention purge.
type memoryStore struct {
	mu      sync.Mutex
	records []JobRecord
}

func newMemory() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) AppendJob(_ context.Context, r JobRecord) error {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

// RecentJobs returns up to limit records, most recently completed first.
func (s *memoryStore) RecentJobs(_ context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *memoryStore) PruneJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := s.records[:0]
	var pruned int64
	for _, r := range s.records {
		if r.CompletedAt.Before(before) {
			pruned++
			continue
		}
		keep = append(keep, r)
	}
	s.records = keep
	return pruned, nil
}

func (s *memoryStore) Close() error { return nil }
