package jobs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := kvstore.NewWithClient(client, nil)
	return NewStore(kv)
}

func newJob(priority Priority) *Job {
	return &Job{
		File:     FileRef{FileHash: "deadbeef", Filename: "sample.bin"},
		Priority: priority,
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, 3, job.MaxRetries)

	fetched, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, fetched.ID)
	require.Equal(t, StatusPending, fetched.Status)

	_, err = s.Get(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DequeueOrdersByPriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := newJob(PriorityLow)
	require.NoError(t, s.Create(ctx, low))
	urgent := newJob(PriorityUrgent)
	require.NoError(t, s.Create(ctx, urgent))
	normalFirst := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, normalFirst))
	normalSecond := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, normalSecond))

	job, ok, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, urgent.ID, job.ID, "urgent jumps the queue ahead of earlier-admitted lower-priority jobs")

	job, ok, err = s.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, normalFirst.ID, job.ID, "FIFO within the same priority bucket")

	job, ok, err = s.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, normalSecond.ID, job.ID)

	job, ok, err = s.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, low.ID, job.ID)

	_, ok, err = s.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SaveReconcilesStatusIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, job))

	worker := "worker-0"
	job.WorkerID = &worker
	job.transitionTo(StatusProcessing, job.CreatedAt)
	require.NoError(t, s.Save(ctx, job))

	pending, err := s.List(ctx, Filter{Status: []Status{StatusPending}})
	require.NoError(t, err)
	require.Empty(t, pending)

	processing, err := s.List(ctx, Filter{Status: []Status{StatusProcessing}})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	require.Equal(t, job.ID, processing[0].ID)

	_, ok, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok, "a processing job must not still be sitting in the pending queue")
}

func TestStore_DeleteRemovesFromEveryIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob(PriorityHigh)
	job.Tags = []string{"batch-42"}
	require.NoError(t, s.Create(ctx, job))

	require.NoError(t, s.Delete(ctx, job.ID))

	_, err := s.Get(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Empty(t, all)

	byTag, err := s.List(ctx, Filter{Tag: "batch-42"})
	require.NoError(t, err)
	require.Empty(t, byTag)
}

func TestStore_GetRecoverableIncludesPendingAndProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, pending))

	processing := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, processing))
	worker := "worker-1"
	processing.WorkerID = &worker
	processing.transitionTo(StatusProcessing, processing.CreatedAt)
	require.NoError(t, s.Save(ctx, processing))

	done := newJob(PriorityNormal)
	require.NoError(t, s.Create(ctx, done))
	done.Progress = 100
	done.transitionTo(StatusCompleted, done.CreatedAt)
	require.NoError(t, s.Save(ctx, done))

	recoverable, err := s.GetRecoverable(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, j := range recoverable {
		ids[j.ID] = true
	}
	require.True(t, ids[pending.ID])
	require.True(t, ids[processing.ID])
	require.False(t, ids[done.ID])
}

func TestStore_StatsCountsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newJob(PriorityNormal)))
	require.NoError(t, s.Create(ctx, newJob(PriorityNormal)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(2), stats.StatusCounts[StatusPending])
	require.Equal(t, int64(0), stats.StatusCounts[StatusCompleted])
}
