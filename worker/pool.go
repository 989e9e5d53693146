package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"fileconv/config"
	"fileconv/metrics"
	"fileconv/models"
	"fileconv/services"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStopped is returned by StartWorker when the worker's stored record was
// switched to the error status from outside.
var ErrStopped = errors.New("worker marked as errored")

type Claimer interface {
	DequeueNext(ctx context.Context) (string, error)
}

type Registry interface {
	SaveWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	DeleteWorker(ctx context.Context, id string) error
}

type LeaseRenewer interface {
	RenewLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)
}

// Executor runs one claimed job to completion.
type Executor interface {
	Execute(ctx context.Context, workerID, jobID string) error
}

// Pool runs cfg.WorkerCount polling workers in this process. Workers never
// talk to each other; the queue's atomic claim is the only coordination.
type Pool struct {
	config   *config.Config
	queue    Claimer
	registry Registry
	leases   LeaseRenewer
	executor Executor
	log      *zap.Logger
	name     string
}

func NewPool(cfg *config.Config, queue Claimer, registry Registry, leases LeaseRenewer, executor Executor, log *zap.Logger) *Pool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		config:   cfg,
		queue:    queue,
		registry: registry,
		leases:   leases,
		executor: executor,
		log:      log,
		name:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Run starts the workers and blocks until all of them have stopped.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := p.StartWorker(ctx, n); err != nil {
				p.log.Error("Worker halted; restart required", zap.Int("worker", n), zap.Error(err))
			}
		}(i)
	}
	p.log.Info("Started conversion workers", zap.Int("count", p.config.WorkerCount))
	wg.Wait()
}

// worker is the in-process side of one heartbeat record.
type worker struct {
	mu  sync.Mutex
	rec models.Worker
}

func (w *worker) snapshot() *models.Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.rec
	rec.LastActive = time.Now()
	w.rec.LastActive = rec.LastActive
	return &rec
}

func (w *worker) update(fn func(*models.Worker)) {
	w.mu.Lock()
	fn(&w.rec)
	w.mu.Unlock()
}

// StartWorker runs one worker loop until ctx is done (nil) or the worker
// enters the error state (non-nil). There is no way back from error.
func (p *Pool) StartWorker(ctx context.Context, n int) error {
	id := fmt.Sprintf("%s-%d", p.name, n)
	log := p.log.With(zap.String("worker_id", id))
	now := time.Now()
	w := &worker{rec: models.Worker{ID: id, Status: models.WorkerIdle, StartedAt: now, LastActive: now}}

	if err := p.registry.SaveWorker(ctx, w.snapshot()); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	log.Info("Starting")

	for {
		if ctx.Err() != nil {
			p.deregister(id, log)
			return nil
		}

		stored, err := p.registry.GetWorker(ctx, id)
		if err == nil && stored.Status == models.WorkerError {
			log.Warn("Stored status is error, stopping")
			return ErrStopped
		}
		if err != nil && !errors.Is(err, services.ErrNotFound) && ctx.Err() == nil {
			log.Warn("Failed to read own heartbeat", zap.Error(err))
		}
		if err := p.registry.SaveWorker(ctx, w.snapshot()); err != nil && ctx.Err() == nil {
			log.Warn("Failed to refresh heartbeat", zap.Error(err))
		}

		jobID, err := p.queue.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Queue unavailable", zap.Error(err))
			}
			sleep(ctx, p.config.PollInterval)
			continue
		}
		if jobID == "" {
			sleep(ctx, p.config.PollInterval)
			continue
		}

		if err := p.process(ctx, w, jobID, log); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				p.deregister(id, log)
				return nil
			}
			w.update(func(r *models.Worker) {
				r.Status = models.WorkerError
				r.LastError = err.Error()
			})
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if serr := p.registry.SaveWorker(saveCtx, w.snapshot()); serr != nil {
				log.Error("Failed to record error status", zap.Error(serr))
			}
			cancel()
			log.Error("Worker entered error state", zap.String("job_id", jobID), zap.Error(err))
			return err
		}
	}
}

// process marks the worker busy, runs the job while keeping the heartbeat
// and job lease fresh, then marks it idle again.
func (p *Pool) process(ctx context.Context, w *worker, jobID string, log *zap.Logger) (err error) {
	w.update(func(r *models.Worker) {
		r.Status = models.WorkerBusy
		r.CurrentJobID = jobID
	})
	if err := p.registry.SaveWorker(ctx, w.snapshot()); err != nil {
		log.Warn("Failed to record busy status", zap.Error(err))
	}
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, w, jobID, log)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while executing job %s: %v", jobID, r)
		}
	}()

	log.Info("Processing job", zap.String("job_id", jobID))
	if err := p.executor.Execute(ctx, w.rec.ID, jobID); err != nil {
		return err
	}

	w.update(func(r *models.Worker) {
		r.Status = models.WorkerIdle
		r.CurrentJobID = ""
		r.Processed++
	})
	if err := p.registry.SaveWorker(ctx, w.snapshot()); err != nil {
		log.Warn("Failed to record idle status", zap.Error(err))
	}
	return nil
}

// heartbeat renews the job lease and the worker record while a job runs.
func (p *Pool) heartbeat(ctx context.Context, w *worker, jobID string, log *zap.Logger) {
	every := p.config.JobLease / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := p.leases.RenewLease(ctx, jobID, w.rec.ID, p.config.JobLease)
			if err != nil && ctx.Err() == nil {
				log.Warn("Failed to renew lease", zap.String("job_id", jobID), zap.Error(err))
			} else if err == nil && !held {
				log.Debug("Lease not held", zap.String("job_id", jobID))
			}
			if err := p.registry.SaveWorker(ctx, w.snapshot()); err != nil && ctx.Err() == nil {
				log.Warn("Failed to refresh heartbeat", zap.Error(err))
			}
		}
	}
}

func (p *Pool) deregister(id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.registry.DeleteWorker(ctx, id); err != nil {
		log.Warn("Failed to deregister worker", zap.Error(err))
	}
	log.Info("Shutting down")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
