package services

import (
	"context"
	"testing"
	"time"

	"fileconv/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRegistry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	reg := NewWorkerRegistry(rdb, NewKeys(""), time.Hour)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, reg.SaveWorker(ctx, &models.Worker{ID: "w1", Status: models.WorkerIdle, LastActive: now}))
	require.NoError(t, reg.SaveWorker(ctx, &models.Worker{ID: "w2", Status: models.WorkerBusy, CurrentJobID: "j", LastActive: now}))

	workers, err := reg.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	w, err := reg.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "j", w.CurrentJobID)

	require.NoError(t, reg.DeleteWorker(ctx, "w2"))
	_, err = reg.GetWorker(ctx, "w2")
	assert.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(2 * time.Hour)
	workers, err = reg.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
	n, err := rdb.SCard(ctx, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, n, "expired ids are pruned from the index")
}
