package queue

import (
	"context"
	"time"
)

// Filter narrows a job listing. Zero-value fields are ignored.
type Filter struct {
	Statuses      []Status
	MinPriority   *int
	MaxPriority   *int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page selects a window of a listing. A Limit of zero means DefaultPageSize.
type Page struct {
	Offset int
	Limit  int
}

// SortOrder controls listing order. The default is newest first.
type SortOrder string

const (
	SortCreatedDesc  SortOrder = "created_desc"
	SortCreatedAsc   SortOrder = "created_asc"
	SortPriorityDesc SortOrder = "priority_desc"
)

const (
	// DefaultPageSize is applied when a listing does not specify a limit
	DefaultPageSize = 20
	// MaxPageSize caps a single listing window
	MaxPageSize = 100
)

// Store is the persistence contract consumed by an Adapter. Implementations
// must make ClaimNext atomic (conditional waiting -> processing) and honor the
// prev guard on Update so that two concurrent writers never race a status
// change past the state machine.
type Store[P, R any] interface {
	// Insert persists a new job record
	Insert(ctx context.Context, job *Job[P, R]) error

	// Get returns the job with the given id or ErrNotFound
	Get(ctx context.Context, id string) (*Job[P, R], error)

	// Update replaces the stored record, but only if its current status still
	// equals prev. Returns ErrNotFound for unknown ids and ErrStatusConflict
	// when the guard misses.
	Update(ctx context.Context, job *Job[P, R], prev Status) error

	// ClaimNext atomically transitions the highest-priority, oldest-created
	// waiting job to processing and returns it with StartedAt set.
	// Returns (nil, nil) when no job is waiting.
	ClaimNext(ctx context.Context, now time.Time) (*Job[P, R], error)

	// List returns a filtered, ordered window of jobs plus the total number
	// of jobs matching the filter.
	List(ctx context.Context, f Filter, p Page, s SortOrder) ([]*Job[P, R], int, error)

	// Delete removes a job record. Returns false if the id is unknown.
	Delete(ctx context.Context, id string) (bool, error)

	// Snapshot returns a point-in-time copy of all job records for the queue,
	// used to derive statistics.
	Snapshot(ctx context.Context) ([]*Job[P, R], error)
}

// MatchesFilter reports whether a job passes the filter. Shared by store
// implementations that filter in memory.
func MatchesFilter[P, R any](f Filter, j *Job[P, R]) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinPriority != nil && j.Priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && j.Priority > *f.MaxPriority {
		return false
	}
	if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
