package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
)

type entryKey struct {
	queueID int64
	userID  int64
}

// MemoryStore keeps queues in process memory. A single mutex serializes
// every mutation, which makes Accept atomic.
type MemoryStore struct {
	queues      map[int64]types.Queue
	entries     map[entryKey]types.QueueEntry
	assignments map[int64]types.Assignment
	history     []types.Assignment
	now         func() time.Time
	mu          sync.RWMutex
}

// NewMemoryStore creates a store seeded with queues
func NewMemoryStore(queues ...types.Queue) *MemoryStore {
	s := &MemoryStore{
		queues:      make(map[int64]types.Queue),
		entries:     make(map[entryKey]types.QueueEntry),
		assignments: make(map[int64]types.Assignment),
		now:         time.Now,
	}
	for _, q := range queues {
		s.queues[q.ID] = q
	}
	return s
}

// AddQueue registers or replaces a queue
func (s *MemoryStore) AddQueue(q types.Queue) {
	s.mu.Lock()
	s.queues[q.ID] = q
	s.mu.Unlock()
}

func (s *MemoryStore) Lookup(_ context.Context, queueID int64) (types.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queueID]
	if !ok {
		return types.Queue{}, ErrNotFound
	}
	return q, nil
}

func (s *MemoryStore) Join(_ context.Context, entry types.QueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[entry.QueueID]; !ok {
		return false, ErrNotFound
	}
	key := entryKey{entry.QueueID, entry.UserID}
	if _, ok := s.entries[key]; ok {
		return true, nil
	}
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = s.now()
	}
	s.entries[key] = entry
	return false, nil
}

func (s *MemoryStore) Leave(_ context.Context, queueID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{queueID, userID}
	if _, ok := s.entries[key]; !ok {
		return true, nil
	}
	delete(s.entries, key)
	return false, nil
}

func (s *MemoryStore) Waiting(_ context.Context, queueID int64) ([]types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.QueueEntry, 0)
	for k, e := range s.entries {
		if k.queueID == queueID {
			out = append(out, e)
		}
	}
	SortFIFO(out)
	return out, nil
}

func (s *MemoryStore) Memberships(_ context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for k := range s.entries {
		if k.userID == userID {
			ids = append(ids, k.queueID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Accept(_ context.Context, a types.Assignment) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{a.QueueID, a.StudentUserID}
	if _, ok := s.entries[key]; !ok {
		if cur, live := s.assignments[a.QueueID]; live && cur.StudentUserID == a.StudentUserID {
			return nil, ErrAlreadyServed
		}
		return nil, ErrNotWaiting
	}

	if a.StartedAt.IsZero() {
		a.StartedAt = s.now()
	}
	var prev *types.Assignment
	if cur, live := s.assignments[a.QueueID]; live {
		finished := a.StartedAt
		cur.FinishedAt = &finished
		s.history = append(s.history, cur)
		prev = &cur
	}

	delete(s.entries, key)
	a.FinishedAt = nil
	s.assignments[a.QueueID] = a
	return prev, nil
}

func (s *MemoryStore) Stop(_ context.Context, queueID int64, at time.Time) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, live := s.assignments[queueID]
	if !live {
		return nil, nil
	}
	cur.FinishedAt = &at
	s.history = append(s.history, cur)
	delete(s.assignments, queueID)
	return &cur, nil
}

func (s *MemoryStore) Current(_ context.Context, queueID int64) (*types.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, live := s.assignments[queueID]
	if !live {
		return nil, nil
	}
	return &cur, nil
}

// AverageSessionMinutes averages finished sessions of a queue. It backs the
// session strategy of the ETA chain when no database is configured.
func (s *MemoryStore) AverageSessionMinutes(_ context.Context, queueID int64) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	var n int
	for _, a := range s.history {
		if a.QueueID != queueID || a.FinishedAt == nil {
			continue
		}
		total += a.FinishedAt.Sub(a.StartedAt).Minutes()
		n++
	}
	if n == 0 {
		return nil, nil
	}
	avg := total / float64(n)
	return &avg, nil
}
