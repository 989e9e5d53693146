package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fileconv/config"
	"fileconv/metrics"
	"fileconv/models"
	"fileconv/queue"
	"fileconv/services"

	"go.uber.org/zap"
)

// Progress checkpoints written while a job runs.
const (
	progressClaimed    = 5
	progressValidated  = 10
	progressConverting = 30
	progressConverted  = 80
	progressCompleted  = 100
)

// JobStore is the subset of services.JobStore the pipeline needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	SaveJob(ctx context.Context, job *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	DeleteJob(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, progress int) error
	GetProgress(ctx context.Context, id string) (int, error)
	SaveResult(ctx context.Context, result *models.ConversionResult) error
	GetResult(ctx context.Context, id string) (*models.ConversionResult, error)
	MarkProcessing(ctx context.Context, id, workerID string, lease time.Duration) error
	ReleaseProcessing(ctx context.Context, id string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, priority int) (*models.QueueItem, error)
}

// Publisher exposes finished artifacts.
type Publisher interface {
	Publish(ctx context.Context, sourcePath, fileName, mimeType string, ttlHours int) (*models.CDNFile, error)
}

type Scanner interface {
	Scan(ctx context.Context, sourceFile string) (*services.ScanVerdict, error)
}

// Notifier receives terminal COMPLETED jobs for points and badge computation.
type Notifier interface {
	JobCompleted(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult) error
}

// Archive mirrors terminal jobs into long-term storage.
type Archive interface {
	RecordOutcome(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult) error
}

// SourceDownloader fetches s3:// source references into the work dir.
type SourceDownloader interface {
	Download(ctx context.Context, s3Path, fileGUID, extension string) (string, error)
	Cleanup(path string) error
}

// Dependencies are the collaborators of a Service. Scanner, Notifier,
// Archive and Sources are optional.
type Dependencies struct {
	Store      JobStore
	Queue      Enqueuer
	CDN        Publisher
	Converters Converters
	Scanner    Scanner
	Notifier   Notifier
	Archive    Archive
	Sources    SourceDownloader
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep replaces the backoff sleep. sleep must return ctx.Err() when ctx
// is done before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// Service runs the validate, convert and finalize pipeline for claimed jobs
// and accepts new submissions.
type Service struct {
	deps Dependencies
	cfg  *config.Config
	log  *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(cfg *config.Config, deps Dependencies, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		deps:  deps,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the wait before retry n (1-based): base, 2·base, 4·base...
func (s *Service) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return s.cfg.BackoffBase << (n - 1)
}

// Execute runs a claimed job to a terminal state. A returned error means the
// pipeline itself broke (store unreachable while finalizing); job failures
// are recorded on the job and yield nil. If ctx is cancelled mid-job the job
// goes back to PENDING and the context error is returned.
func (s *Service) Execute(ctx context.Context, workerID, jobID string) error {
	log := s.log.With(zap.String("worker_id", workerID), zap.String("job_id", jobID))

	// An error return before MarkProcessing leaves the claim lease in place;
	// the reaper requeues the job once it runs out.
	job, err := s.deps.Store.GetJob(ctx, jobID)
	if errors.Is(err, services.ErrNotFound) {
		log.Warn("Claimed job no longer exists")
		s.dropClaim(ctx, jobID, log)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load claimed job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Info("Claimed job already finished", zap.String("status", string(job.Status)))
		s.dropClaim(ctx, jobID, log)
		return nil
	}

	if err := s.deps.Store.MarkProcessing(ctx, jobID, workerID, s.cfg.JobLease); err != nil {
		return err
	}

	started := s.now()
	job.Status = models.StatusProcessing
	job.Stage = models.StageValidating
	job.WorkerID = workerID
	job.StartedAt = &started
	job.ErrorCode = ""
	job.Error = ""
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		return err
	}

	progress := &progressWriter{store: s.deps.Store, id: jobID, log: log}
	progress.set(ctx, progressClaimed)

	category := "unsupported"
	if c, err := Categorize(job.SourceFormat, job.TargetFormat); err == nil {
		category = c.String()
	}

	var lastErr *JobError
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.Backoff(attempt)
			job.Stage = models.StageRetrying
			if err := s.deps.Store.SaveJob(ctx, job); err != nil {
				log.Warn("Failed to record retrying stage", zap.Error(err))
			}
			metrics.JobRetries.Inc()
			log.Info("Retrying job", zap.Int("attempt", attempt+1), zap.Duration("backoff", delay))

			if err := s.sleep(ctx, delay); err != nil {
				return s.release(job, log)
			}
		}

		job.Attempts++
		result, jerr := s.attempt(ctx, job, progress)
		if jerr == nil {
			return s.complete(ctx, job, result, category, started, log)
		}
		if ctx.Err() != nil {
			return s.release(job, log)
		}

		lastErr = jerr
		log.Warn("Attempt failed",
			zap.Int("attempt", job.Attempts),
			zap.String("code", string(jerr.Code)),
			zap.Bool("retryable", jerr.Retryable),
			zap.NamedError("cause", jerr.Err),
		)
		if !jerr.Retryable {
			break
		}
	}

	return s.fail(ctx, job, lastErr, category, started, log)
}

// attempt runs validate, convert and finalize once under the per-attempt timeout.
func (s *Service) attempt(ctx context.Context, job *models.ConversionJob, progress *progressWriter) (*models.ConversionResult, *JobError) {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ConversionTimeout)*time.Second)
	defer cancel()

	job.Stage = models.StageValidating
	if err := s.deps.Store.SaveJob(attemptCtx, job); err != nil {
		return nil, retryable(models.CodeUnknown, err, "job store unavailable")
	}

	input, cleanup, jerr := s.fetchSource(attemptCtx, job)
	if jerr != nil {
		return nil, jerr
	}
	defer cleanup()

	category, conv, task, jerr := s.prepare(job, input)
	if jerr != nil {
		return nil, jerr
	}
	progress.set(attemptCtx, progressValidated)

	job.Stage = models.StageConverting
	if err := s.deps.Store.SaveJob(attemptCtx, job); err != nil {
		return nil, retryable(models.CodeUnknown, err, "job store unavailable")
	}
	progress.set(attemptCtx, progressConverting)

	os.Remove(task.OutputPath)
	defer os.Remove(task.OutputPath)

	if err := conv.Convert(attemptCtx, task); err != nil {
		return nil, classify(attemptCtx, err)
	}
	progress.set(attemptCtx, progressConverted)

	size, jerr := finalize(attemptCtx, task.OutputPath)
	if jerr != nil {
		return nil, jerr
	}

	file, err := s.deps.CDN.Publish(attemptCtx, task.OutputPath, outputName(job), mimeFor(job.TargetFormat), s.cfg.ArtifactTTLHours)
	if err != nil {
		return nil, classify(attemptCtx, fmt.Errorf("publish failed: %w", err))
	}

	s.log.Debug("Converted job",
		zap.String("job_id", job.JobID),
		zap.String("category", category.String()),
		zap.Int64("size", size),
	)

	return &models.ConversionResult{
		JobID:      job.JobID,
		ResultURL:  file.URL,
		CDNURL:     file.CDNURL,
		FileID:     file.ID,
		ResultSize: size,
	}, nil
}

func (s *Service) dropClaim(ctx context.Context, jobID string, log *zap.Logger) {
	if _, err := s.deps.Store.ReleaseProcessing(ctx, jobID); err != nil {
		log.Warn("Failed to drop claim", zap.Error(err))
	}
}

// fetchSource resolves the job's source reference to a local path.
func (s *Service) fetchSource(ctx context.Context, job *models.ConversionJob) (string, func(), *JobError) {
	noop := func() {}
	if !services.IsS3Reference(job.SourceFile) {
		path, ok := s.localSource(job.SourceFile)
		if !ok {
			return "", noop, fatal(models.CodeInvalidFile, "source file is outside the upload directory")
		}
		return path, noop, nil
	}
	if s.deps.Sources == nil {
		return "", noop, fatal(models.CodeInvalidFile, "source storage is not configured")
	}

	path, err := s.deps.Sources.Download(ctx, job.SourceFile, job.JobID, NormalizeFormat(job.SourceFormat))
	if err != nil {
		return "", noop, classify(ctx, fmt.Errorf("source download failed: %w", err))
	}
	return path, func() {
		if err := s.deps.Sources.Cleanup(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove downloaded source", zap.String("path", path), zap.Error(err))
		}
	}, nil
}

// prepare checks the source bytes and size and selects a converter. Every
// failure here is a property of the input and is not retried.
func (s *Service) prepare(job *models.ConversionJob, input string) (Category, Converter, Task, *JobError) {
	var task Task

	if jerr := checkMagic(input, NormalizeFormat(job.SourceFormat)); jerr != nil {
		return 0, nil, task, jerr
	}

	info, err := os.Stat(input)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil, task, fatal(models.CodeInvalidFile, "source file not found")
		}
		return 0, nil, task, retryable(models.CodeUnknown, err, "could not read source file")
	}
	if limit := s.sizeLimit(job.IsPremium); limit > 0 && info.Size() > limit {
		return 0, nil, task, fatal(models.CodeInvalidFile, "file exceeds the %d MB limit", limit>>20)
	}

	category, err := Categorize(job.SourceFormat, job.TargetFormat)
	if err != nil {
		return 0, nil, task, fatal(models.CodeInvalidFile, "%s", err.Error())
	}
	conv, ok := s.deps.Converters[category]
	if !ok {
		return 0, nil, task, fatal(models.CodeInvalidFile, "%s: no %s converter", ErrUnsupported, category)
	}

	task = Task{
		InputPath:    input,
		OutputPath:   filepath.Join(s.cfg.WorkDir, fmt.Sprintf("%s.out.%s", job.JobID, NormalizeFormat(job.TargetFormat))),
		SourceFormat: NormalizeFormat(job.SourceFormat),
		TargetFormat: NormalizeFormat(job.TargetFormat),
	}
	if err := conv.Validate(task); err != nil {
		return 0, nil, task, fatal(models.CodeInvalidFile, "%s", err.Error())
	}
	return category, conv, task, nil
}

func (s *Service) sizeLimit(premium bool) int64 {
	if premium {
		return s.cfg.PremiumMaxFileBytes
	}
	return s.cfg.MaxFileBytes
}

// finalize confirms the artifact exists and returns its size.
func finalize(ctx context.Context, path string) (int64, *JobError) {
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return info.Size(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, retryable(models.CodeTimeout, ctx.Err(), "conversion timed out")
	}
	return 0, retryable(models.CodeNoOutput, err, "conversion produced no output")
}

func (s *Service) complete(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult, category string, started time.Time, log *zap.Logger) error {
	now := s.now()
	job.Status = models.StatusCompleted
	job.Stage = ""
	job.CompletedAt = &now

	result.Status = models.StatusCompleted
	result.CompletedAt = now
	result.Payload = map[string]interface{}{
		"userId":       job.UserID,
		"sourceFormat": job.SourceFormat,
		"targetFormat": job.TargetFormat,
		"isPremium":    job.IsPremium,
		"attempts":     job.Attempts,
		"resultSize":   result.ResultSize,
		"durationMs":   now.Sub(started).Milliseconds(),
	}

	if err := s.deps.Store.SetProgress(ctx, job.JobID, progressCompleted); err != nil {
		return err
	}
	if err := s.persistTerminal(ctx, job, result); err != nil {
		return err
	}

	metrics.JobsProcessed.WithLabelValues(string(models.StatusCompleted), "").Inc()
	metrics.JobDuration.WithLabelValues(category).Observe(now.Sub(started).Seconds())
	log.Info("Job completed",
		zap.Int("attempts", job.Attempts),
		zap.Int64("size", result.ResultSize),
		zap.Duration("duration", now.Sub(started)),
	)

	if s.deps.Notifier != nil {
		go s.notify(job, result, log)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, job *models.ConversionJob, jerr *JobError, category string, started time.Time, log *zap.Logger) error {
	if jerr == nil {
		jerr = fatal(models.CodeUnknown, "conversion failed")
	}
	now := s.now()
	job.Status = models.StatusFailed
	job.Stage = ""
	job.CompletedAt = &now
	job.ErrorCode = jerr.Code
	job.Error = jerr.Error()

	result := &models.ConversionResult{
		JobID:       job.JobID,
		Status:      models.StatusFailed,
		ErrorCode:   jerr.Code,
		Error:       jerr.Error(),
		CompletedAt: now,
	}
	if err := s.persistTerminal(ctx, job, result); err != nil {
		return err
	}

	metrics.JobsProcessed.WithLabelValues(string(models.StatusFailed), string(jerr.Code)).Inc()
	metrics.JobDuration.WithLabelValues(category).Observe(now.Sub(started).Seconds())
	log.Error("Job failed",
		zap.Int("attempts", job.Attempts),
		zap.String("code", string(jerr.Code)),
		zap.String("message", jerr.Message),
		zap.NamedError("cause", jerr.Err),
	)
	return nil
}

// persistTerminal writes the result before the job record so anyone who sees
// the terminal status can also read the result.
func (s *Service) persistTerminal(ctx context.Context, job *models.ConversionJob, result *models.ConversionResult) error {
	if err := s.deps.Store.SaveResult(ctx, result); err != nil {
		return err
	}
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		return err
	}
	if _, err := s.deps.Store.ReleaseProcessing(ctx, job.JobID); err != nil {
		s.log.Warn("Failed to release lease", zap.String("job_id", job.JobID), zap.Error(err))
	}

	if s.deps.Archive != nil {
		if err := s.deps.Archive.RecordOutcome(ctx, job, result); err != nil {
			s.log.Warn("Failed to archive job", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) notify(job *models.ConversionJob, result *models.ConversionResult, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Notifier.JobCompleted(ctx, job, result); err != nil {
		log.Warn("Failed to notify completion", zap.Error(err))
	}
}

// release returns an interrupted job to PENDING and back onto the queue.
func (s *Service) release(job *models.ConversionJob, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job.Status = models.StatusPending
	job.Stage = ""
	job.WorkerID = ""
	job.StartedAt = nil
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		log.Error("Failed to release job", zap.Error(err))
		return context.Canceled
	}
	if _, err := s.deps.Store.ReleaseProcessing(ctx, job.JobID); err != nil {
		log.Warn("Failed to drop lease", zap.Error(err))
	}
	if _, err := s.deps.Queue.Enqueue(ctx, job.JobID, job.Priority); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		log.Error("Failed to requeue released job", zap.Error(err))
	}
	log.Info("Job released for another worker")
	return context.Canceled
}

func outputName(job *models.ConversionJob) string {
	name := job.FileName
	if name == "" {
		name = filepath.Base(job.SourceFile)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == "/" {
		name = job.JobID
	}
	return name + "." + NormalizeFormat(job.TargetFormat)
}

func mimeFor(format string) string {
	switch NormalizeFormat(format) {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// progressWriter persists progress and never moves it backwards.
type progressWriter struct {
	store JobStore
	id    string
	log   *zap.Logger
	last  int
}

func (p *progressWriter) set(ctx context.Context, v int) {
	if v <= p.last {
		return
	}
	if err := p.store.SetProgress(ctx, p.id, v); err != nil {
		p.log.Debug("Failed to write progress", zap.Int("progress", v), zap.Error(err))
		return
	}
	p.last = v
}
