package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"fileconv/config"
	"fileconv/metrics"
	"fileconv/models"
	"fileconv/queue"
	"fileconv/services"

	"go.uber.org/zap"
)

type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	SaveJob(ctx context.Context, job *models.ConversionJob) error
	DeleteJob(ctx context.Context, id string) error
	ProcessingJobs(ctx context.Context) ([]string, error)
	LeaseHolder(ctx context.Context, id string) (string, error)
	ReleaseProcessing(ctx context.Context, id string) (bool, error)
	JobsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int) (*models.QueueItem, error)
	Len(ctx context.Context) (int64, error)
}

type WorkerRegistry interface {
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	DeleteWorker(ctx context.Context, id string) error
}

type ArtifactSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ArchivePruner drops archived job rows older than cutoff.
type ArchivePruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report counts what one sweep removed or recovered.
type Report struct {
	Workers   int
	Requeued  int
	Jobs      int
	Files     int
	Artifacts int
	Archived  int64
}

// Reaper is the periodic maintenance sweep. Every step tolerates records
// vanishing underneath it, so it can run next to live workers and next to
// other reapers.
type Reaper struct {
	cfg     *config.Config
	jobs    JobStore
	queue   Queue
	workers WorkerRegistry
	cdn     ArtifactSweeper
	archive ArchivePruner
	log     *zap.Logger
	now     func() time.Time
}

// NewReaper builds a Reaper. archive may be nil.
func NewReaper(cfg *config.Config, jobs JobStore, q Queue, workers WorkerRegistry, cdn ArtifactSweeper, archive ArchivePruner, log *zap.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		jobs:    jobs,
		queue:   q,
		workers: workers,
		cdn:     cdn,
		archive: archive,
		log:     log,
		now:     time.Now,
	}
}

// Run sweeps every cfg.ReaperInterval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	r.log.Info("Starting maintenance loop", zap.Duration("interval", r.cfg.ReaperInterval))
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Maintenance loop shutting down")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a full sweep. Step failures are logged and do not stop
// later steps.
func (r *Reaper) RunOnce(ctx context.Context) Report {
	var rep Report
	now := r.now()
	cutoff := now.Add(-r.cfg.RetentionWindow)

	rep.Workers = r.reapWorkers(ctx, now)
	rep.Requeued = r.requeueExpiredLeases(ctx)
	rep.Jobs = r.expireJobs(ctx, cutoff)
	rep.Files = r.cleanWorkDir(cutoff)

	if r.archive != nil {
		n, err := r.archive.DeleteBefore(ctx, cutoff)
		if err != nil {
			r.log.Warn("Failed to prune archive", zap.Error(err))
		}
		rep.Archived = n
	}

	if r.cdn != nil {
		n, err := r.cdn.SweepExpired(ctx)
		if err != nil {
			r.log.Warn("Failed to sweep artifacts", zap.Error(err))
		}
		rep.Artifacts = n
		metrics.ReaperRemovals.WithLabelValues("artifact").Add(float64(n))
	}

	if depth, err := r.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if rep != (Report{}) {
		r.log.Info("Maintenance sweep",
			zap.Int("workers", rep.Workers),
			zap.Int("requeued", rep.Requeued),
			zap.Int("jobs", rep.Jobs),
			zap.Int("files", rep.Files),
			zap.Int("artifacts", rep.Artifacts),
			zap.Int64("archived", rep.Archived),
		)
	}
	return rep
}

// reapWorkers deletes heartbeat records idle for longer than the inactivity
// threshold. Their jobs are recovered through lease expiry, not here.
func (r *Reaper) reapWorkers(ctx context.Context, now time.Time) int {
	workers, err := r.workers.ListWorkers(ctx)
	if err != nil {
		r.log.Warn("Failed to list workers", zap.Error(err))
		return 0
	}

	removed := 0
	for _, w := range workers {
		if now.Sub(w.LastActive) <= r.cfg.WorkerInactivity {
			continue
		}
		if err := r.workers.DeleteWorker(ctx, w.ID); err != nil {
			r.log.Warn("Failed to delete stale worker", zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		r.log.Info("Removed stale worker",
			zap.String("worker_id", w.ID),
			zap.Time("last_active", w.LastActive),
			zap.String("current_job", w.CurrentJobID),
		)
		removed++
	}
	metrics.ReaperRemovals.WithLabelValues("worker").Add(float64(removed))
	return removed
}

// requeueExpiredLeases puts jobs whose worker stopped renewing back in the
// queue. Whoever removes the processing index entry owns the requeue.
func (r *Reaper) requeueExpiredLeases(ctx context.Context) int {
	ids, err := r.jobs.ProcessingJobs(ctx)
	if err != nil {
		r.log.Warn("Failed to list processing jobs", zap.Error(err))
		return 0
	}

	requeued := 0
	for _, id := range ids {
		holder, err := r.jobs.LeaseHolder(ctx, id)
		if err != nil || holder != "" {
			continue
		}
		owned, err := r.jobs.ReleaseProcessing(ctx, id)
		if err != nil || !owned {
			continue
		}

		job, err := r.jobs.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, services.ErrNotFound) {
				r.log.Warn("Failed to load expired job", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if job.Status.IsTerminal() {
			continue
		}

		lost := job.WorkerID
		job.Status = models.StatusPending
		job.Stage = ""
		job.WorkerID = ""
		job.StartedAt = nil
		if err := r.jobs.SaveJob(ctx, job); err != nil {
			r.log.Warn("Failed to reset expired job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if _, err := r.queue.Enqueue(ctx, id, job.Priority); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			r.log.Error("Failed to requeue expired job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		r.log.Info("Requeued job after lease expiry", zap.String("job_id", id), zap.String("lost_worker", lost))
		requeued++
	}
	metrics.ReaperRemovals.WithLabelValues("requeue").Add(float64(requeued))
	return requeued
}

// expireJobs deletes finished job records created before cutoff, and the
// index entries of records the store already expired.
func (r *Reaper) expireJobs(ctx context.Context, cutoff time.Time) int {
	ids, err := r.jobs.JobsCreatedBefore(ctx, cutoff)
	if err != nil {
		r.log.Warn("Failed to list old jobs", zap.Error(err))
		return 0
	}

	removed := 0
	for _, id := range ids {
		job, err := r.jobs.GetJob(ctx, id)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			continue
		}
		if job != nil && !job.Status.IsTerminal() {
			continue
		}
		if err := r.jobs.DeleteJob(ctx, id); err != nil {
			r.log.Warn("Failed to delete job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	metrics.ReaperRemovals.WithLabelValues("job").Add(float64(removed))
	return removed
}

// cleanWorkDir removes leftover source and output files older than cutoff.
func (r *Reaper) cleanWorkDir(cutoff time.Time) int {
	if r.cfg.WorkDir == "" {
		return 0
	}
	entries, err := os.ReadDir(r.cfg.WorkDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("Failed to read work dir", zap.Error(err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(r.cfg.WorkDir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("Failed to remove work file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	metrics.ReaperRemovals.WithLabelValues("file").Add(float64(removed))
	return removed
}
