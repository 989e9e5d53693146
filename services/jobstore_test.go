package services

import (
	"context"
	"testing"
	"time"

	"fileconv/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestJobStore_CreateAndGet(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewJobStore(rdb, NewKeys("t:"), time.Hour)
	ctx := context.Background()

	job := &models.ConversionJob{
		JobID:        "job-1",
		SourceFormat: "jpg",
		TargetFormat: "pdf",
		Status:       models.StatusPending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateJob(ctx, job))
	assert.ErrorIs(t, store.CreateJob(ctx, job), ErrDuplicateJob)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	progress, err := store.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, progress)

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetResult(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStore_JobExpiresWithTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewJobStore(rdb, NewKeys(""), time.Minute)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, &models.ConversionJob{JobID: "j", CreatedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)

	_, err := store.GetJob(ctx, "j")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetProgress(ctx, "j")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStore_Lease(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewJobStore(rdb, NewKeys(""), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.MarkProcessing(ctx, "j", "w1", 10*time.Second))

	holder, err := store.LeaseHolder(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "w1", holder)

	ok, err := store.RenewLease(ctx, "j", "w2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may renew")

	mr.FastForward(8 * time.Second)
	ok, err = store.RenewLease(ctx, "j", "w1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(8 * time.Second)
	holder, err = store.LeaseHolder(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "w1", holder, "renewal pushed expiry out")

	mr.FastForward(5 * time.Second)
	holder, err = store.LeaseHolder(ctx, "j")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ids, err := store.ProcessingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, ids)

	removed, err := store.ReleaseProcessing(ctx, "j")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.ReleaseProcessing(ctx, "j")
	require.NoError(t, err)
	assert.False(t, removed, "second release is a no-op")
}

func TestJobStore_JobsCreatedBeforeAndDelete(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewJobStore(rdb, NewKeys(""), time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateJob(ctx, &models.ConversionJob{JobID: "old", CreatedAt: base}))
	require.NoError(t, store.CreateJob(ctx, &models.ConversionJob{JobID: "new", CreatedAt: base.Add(48 * time.Hour)}))

	ids, err := store.JobsCreatedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	require.NoError(t, store.DeleteJob(ctx, "old"))
	require.NoError(t, store.DeleteJob(ctx, "old"))
	_, err = store.GetJob(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStore_WatchSignalsWrites(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewJobStore(rdb, NewKeys(""), time.Hour)
	ctx := context.Background()

	signals, stop := store.Watch(ctx, "j")
	defer stop()

	// Subscription is established asynchronously; keep writing until a signal arrives.
	require.Eventually(t, func() bool {
		_ = store.SetProgress(ctx, "j", 42)
		select {
		case <-signals:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()
}
