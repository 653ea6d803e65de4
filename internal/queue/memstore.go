package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the reference
// implementation of the persistence contract and the backing store for local
// development and tests; production deployments use the postgres store.
type MemoryStore[P, R any] struct {
	mu   sync.Mutex
	jobs map[string]*memRecord[P, R]
	seq  int
}

// memRecord carries an insertion sequence so that claim ordering stays
// deterministic when two jobs share a creation timestamp.
type memRecord[P, R any] struct {
	job *Job[P, R]
	seq int
}

// NewMemoryStore creates an empty in-memory job store
func NewMemoryStore[P, R any]() *MemoryStore[P, R] {
	return &MemoryStore[P, R]{jobs: make(map[string]*memRecord[P, R])}
}

func (s *MemoryStore[P, R]) Insert(ctx context.Context, job *Job[P, R]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[job.ID] = &memRecord[P, R]{job: job.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore[P, R]) Get(ctx context.Context, id string) (*Job[P, R], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.job.Clone(), nil
}

func (s *MemoryStore[P, R]) Update(ctx context.Context, job *Job[P, R], prev Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if rec.job.Status != prev {
		return ErrStatusConflict
	}
	rec.job = job.Clone()
	return nil
}

func (s *MemoryStore[P, R]) ClaimNext(ctx context.Context, now time.Time) (*Job[P, R], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memRecord[P, R]
	for _, rec := range s.jobs {
		if rec.job.Status != StatusWaiting {
			continue
		}
		if best == nil || claimBefore(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.job.Status = StatusProcessing
	best.job.StartedAt = &started
	best.job.UpdatedAt = now
	return best.job.Clone(), nil
}

// claimBefore implements the claim tie-break: priority desc, createdAt asc,
// then insertion order.
func claimBefore[P, R any](a, b *memRecord[P, R]) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *MemoryStore[P, R]) List(ctx context.Context, f Filter, p Page, order SortOrder) ([]*Job[P, R], int, error) {
	// Sorting must stay under the lock: a concurrent Update swaps rec.job, and
	// the comparator reads it.
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*memRecord[P, R], 0, len(s.jobs))
	for _, rec := range s.jobs {
		if MatchesFilter(f, rec.job) {
			matched = append(matched, rec)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch order {
		case SortCreatedAsc:
			if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
				return a.job.CreatedAt.Before(b.job.CreatedAt)
			}
		case SortPriorityDesc:
			if a.job.Priority != b.job.Priority {
				return a.job.Priority > b.job.Priority
			}
			if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
				return a.job.CreatedAt.Before(b.job.CreatedAt)
			}
		default: // SortCreatedDesc
			if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
				return a.job.CreatedAt.After(b.job.CreatedAt)
			}
		}
		return a.seq < b.seq
	})

	total := len(matched)

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	start := p.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*Job[P, R], 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, rec.job.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore[P, R]) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore[P, R]) Snapshot(ctx context.Context) ([]*Job[P, R], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job[P, R], 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec.job.Clone())
	}
	return out, nil
}
