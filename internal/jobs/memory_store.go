package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the outbox used when no database path is configured.
// Pending jobs are lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]*Job)}
}

func (s *MemoryStore) Add(_ context.Context, req Request, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Job{}, ErrClosed
	}
	s.nextID++
	j := &Job{
		ID:        s.nextID,
		Request:   req,
		Status:    StatusPending,
		NextTryAt: now,
		CreatedAt: now,
	}
	s.jobs[j.ID] = j
	return *j, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Job{}, false, ErrClosed
	}
	var best *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending || j.NextTryAt.After(now) {
			continue
		}
		if best == nil || j.NextTryAt.Before(best.NextTryAt) || (j.NextTryAt.Equal(best.NextTryAt) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return Job{}, false, nil
	}
	best.Attempts++
	best.NextTryAt = now.Add(lease)
	return *best, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, id int64) error {
	return s.update(id, func(j *Job) { j.Status = StatusDone })
}

func (s *MemoryStore) Retry(_ context.Context, id int64, at time.Time, lastErr string) error {
	return s.update(id, func(j *Job) {
		j.NextTryAt = at
		j.LastError = lastErr
	})
}

func (s *MemoryStore) Fail(_ context.Context, id int64, lastErr string) error {
	return s.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.LastError = lastErr
	})
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false, nil
	}
	return *j, true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) update(id int64, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
	return nil
}
