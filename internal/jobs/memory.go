package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/voicerelay/internal/models"
)

type memoryEntry struct {
	job *models.Job
	seq uint64
}

// MemoryStore keeps jobs in process memory. Jobs are copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*memoryEntry
	seq  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*memoryEntry)}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[job.ID] = &memoryEntry{job: job.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	e.job = job.Clone()
	return nil
}

func (s *MemoryStore) Latest(_ context.Context) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *memoryEntry
	for _, e := range s.jobs {
		if latest == nil || e.seq > latest.seq {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.job.Clone(), nil
}

func (s *MemoryStore) LatestReady(_ context.Context) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *memoryEntry
	for _, e := range s.jobs {
		if !e.job.Ready() || e.job.ReadyAt == nil {
			continue
		}
		if latest == nil || e.job.ReadyAt.After(*latest.job.ReadyAt) ||
			(e.job.ReadyAt.Equal(*latest.job.ReadyAt) && e.seq > latest.seq) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.job.Clone(), nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.Job
	for id, e := range s.jobs {
		if e.job.CreatedAt.Before(cutoff) {
			removed = append(removed, e.job)
			delete(s.jobs, id)
		}
	}
	return removed, nil
}
