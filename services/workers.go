package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fileconv/models"

	"github.com/redis/go-redis/v9"
)

// WorkerRegistry stores worker heartbeat records.
type WorkerRegistry struct {
	rdb  *redis.Client
	keys Keys
	ttl  time.Duration
}

func NewWorkerRegistry(rdb *redis.Client, keys Keys, ttl time.Duration) *WorkerRegistry {
	return &WorkerRegistry{rdb: rdb, keys: keys, ttl: ttl}
}

func (r *WorkerRegistry) SaveWorker(ctx context.Context, w *models.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal worker: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.keys.Worker(w.ID), data, r.ttl)
	pipe.SAdd(ctx, r.keys.Workers(), w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save worker %s: %w", w.ID, err)
	}
	return nil
}

func (r *WorkerRegistry) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	val, err := r.rdb.Get(ctx, r.keys.Worker(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}

	var w models.Worker
	if err := json.Unmarshal(val, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkers returns all live worker records. Ids whose record already
// expired are pruned from the index on the way.
func (r *WorkerRegistry) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	ids, err := r.rdb.SMembers(ctx, r.keys.Workers()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]*models.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.GetWorker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.rdb.SRem(ctx, r.keys.Workers(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (r *WorkerRegistry) DeleteWorker(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.keys.Worker(id))
	pipe.SRem(ctx, r.keys.Workers(), id)
	_, err := pipe.Exec(ctx)
	return err
}
