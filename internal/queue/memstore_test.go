package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memJob(id string, status Status, priority int, createdAt time.Time) *Job[testPayload, testResult] {
	return &Job[testPayload, testResult]{
		ID:        id,
		Queue:     "testq",
		Status:    status,
		Priority:  priority,
		Payload:   testPayload{Name: id},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryStoreUpdateGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()
	now := time.Now()

	job := memJob("a", StatusWaiting, 50, now)
	require.NoError(t, store.Insert(ctx, job))

	t.Run("guard matches", func(t *testing.T) {
		upd := job.Clone()
		upd.Status = StatusProcessing
		require.NoError(t, store.Update(ctx, upd, StatusWaiting))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
	})

	t.Run("guard misses", func(t *testing.T) {
		upd := job.Clone()
		upd.Status = StatusCanceled
		err := store.Update(ctx, upd, StatusWaiting)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("unknown id", func(t *testing.T) {
		missing := memJob("missing", StatusWaiting, 50, now)
		err := store.Update(ctx, missing, StatusWaiting)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreClaimOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()
	now := time.Now()

	// Same priority and creation time: insertion order breaks the tie.
	require.NoError(t, store.Insert(ctx, memJob("tie1", StatusWaiting, 5, now)))
	require.NoError(t, store.Insert(ctx, memJob("tie2", StatusWaiting, 5, now)))
	require.NoError(t, store.Insert(ctx, memJob("low", StatusWaiting, 3, now.Add(-time.Hour))))
	require.NoError(t, store.Insert(ctx, memJob("done", StatusCompleted, 99, now)))

	wantOrder := []string{"tie1", "tie2", "low"}
	for i, want := range wantOrder {
		job, err := store.ClaimNext(ctx, time.Now())
		require.NoError(t, err)
		require.NotNil(t, job, "claim %d", i)
		assert.Equal(t, want, job.ID, "claim %d", i)
		assert.Equal(t, StatusProcessing, job.Status)
		require.NotNil(t, job.StartedAt)
	}

	job, err := store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, job, "completed jobs are never claimed")
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()

	require.NoError(t, store.Insert(ctx, memJob("a", StatusWaiting, 50, time.Now())))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	got.Status = StatusCompleted
	got.Payload.Name = "mutated"

	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, again.Status)
	assert.Equal(t, "a", again.Payload.Name)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 6; i++ {
		status := StatusWaiting
		if i%2 == 1 {
			status = StatusCompleted
		}
		job := memJob(string(rune('a'+i)), status, 10+i, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Insert(ctx, job))
	}

	t.Run("newest first by default", func(t *testing.T) {
		jobs, total, err := store.List(ctx, Filter{}, Page{}, SortCreatedDesc)
		require.NoError(t, err)
		assert.Equal(t, 6, total)
		require.Len(t, jobs, 6)
		for i := 1; i < len(jobs); i++ {
			assert.False(t, jobs[i-1].CreatedAt.Before(jobs[i].CreatedAt))
		}
	})

	t.Run("filter with pagination keeps total", func(t *testing.T) {
		jobs, total, err := store.List(ctx, Filter{Statuses: []Status{StatusWaiting}}, Page{Offset: 1, Limit: 1}, SortCreatedAsc)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, "c", jobs[0].ID)
	})

	t.Run("priority bounds", func(t *testing.T) {
		jobs, total, err := store.List(ctx, Filter{MinPriority: intPtr(12), MaxPriority: intPtr(14)}, Page{}, SortPriorityDesc)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 3)
		assert.Equal(t, 14, jobs[0].Priority)
	})

	t.Run("created window", func(t *testing.T) {
		after := base.Add(90 * time.Second)
		_, total, err := store.List(ctx, Filter{CreatedAfter: &after}, Page{}, SortCreatedDesc)
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	})

	t.Run("offset past end", func(t *testing.T) {
		jobs, total, err := store.List(ctx, Filter{}, Page{Offset: 100, Limit: 10}, SortCreatedDesc)
		require.NoError(t, err)
		assert.Equal(t, 6, total)
		assert.Empty(t, jobs)
	})
}

// Exercises List against concurrent guarded updates; fails under the race
// detector if List reads records outside the store lock.
func TestMemoryStoreListDuringUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()
	now := time.Now()

	const jobs = 20
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := string(rune('a' + i))
		ids = append(ids, id)
		require.NoError(t, store.Insert(ctx, memJob(id, StatusWaiting, i, now.Add(time.Duration(i)*time.Second))))
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for round := 0; round < 50; round++ {
			for _, id := range ids {
				got, err := store.Get(ctx, id)
				if err != nil {
					continue
				}
				upd := got.Clone()
				upd.UpdatedAt = time.Now()
				_ = store.Update(ctx, upd, got.Status)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for round := 0; round < 50; round++ {
			_, total, err := store.List(ctx, Filter{}, Page{Limit: jobs}, SortPriorityDesc)
			assert.NoError(t, err)
			assert.Equal(t, jobs, total)
		}
	}()

	wg.Wait()
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[testPayload, testResult]()

	require.NoError(t, store.Insert(ctx, memJob("a", StatusCompleted, 50, time.Now())))

	ok, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
