package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshforge/mesh2step/internal/jobs"
)

type record struct {
	job      jobs.Job
	deadline time.Time
}

func (r *record) expired(now time.Time) bool {
	return !now.Before(r.deadline)
}

// MemoryStore is an in-process TTL-keyed job store. Records past their
// deadline are logically deleted: invisible to Get and ListAll, but still
// enumerable via Keys and readable via Peek until the reconciler removes them.
// Used in tests and as the fallback when Redis is unreachable.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*record)}
}

func (s *MemoryStore) Create(_ context.Context, job *jobs.Job, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[job.ID] = &record{
		job:      *job,
		deadline: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok || rec.expired(time.Now()) {
		return nil, jobs.ErrNotFound
	}
	return rec.job.Clone(), nil
}

// Peek reads a record even when its TTL has lapsed. The reconciler uses it to
// inspect the status of expired records before deleting them.
func (s *MemoryStore) Peek(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return rec.job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch jobs.Patch) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.expired(time.Now()) {
		return nil, jobs.ErrNotFound
	}
	if err := patch.Apply(&rec.job); err != nil {
		return nil, err
	}
	return rec.job.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]*jobs.Job, error) {
	now := time.Now()
	s.mu.RLock()
	ret := make([]*jobs.Job, 0, len(s.recs))
	for _, rec := range s.recs {
		if rec.expired(now) {
			continue
		}
		ret = append(ret, rec.job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret, nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.recs))
	for id := range s.recs {
		keys = append(keys, id)
	}
	return keys, nil
}

func (s *MemoryStore) TTLRemaining(_ context.Context, id string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return 0, jobs.ErrNotFound
	}
	return time.Until(rec.deadline), nil
}
