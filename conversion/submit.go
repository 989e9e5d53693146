package conversion

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"fileconv/metrics"
	"fileconv/models"
	"fileconv/services"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job ids become file names in the work dir, so they are restricted to a
// path-safe alphabet.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SubmitRequest is the job descriptor handed over by the upload collaborator.
type SubmitRequest struct {
	JobID        string `json:"jobId,omitempty"`
	UserID       string `json:"userId"`
	SourceFile   string `json:"sourceFile"`
	FileName     string `json:"fileName,omitempty"`
	SourceFormat string `json:"sourceFormat"`
	TargetFormat string `json:"targetFormat"`
	SourceSize   int64  `json:"sourceSize"`
	Priority     int    `json:"priority"`
	IsPremium    bool   `json:"isPremium"`
}

// Submit scans, records and enqueues a job, returning it in PENDING.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.ConversionJob, error) {
	req.SourceFormat = NormalizeFormat(req.SourceFormat)
	req.TargetFormat = NormalizeFormat(req.TargetFormat)
	if req.SourceFile == "" || req.SourceFormat == "" || req.TargetFormat == "" {
		metrics.JobsRejected.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: sourceFile, sourceFormat and targetFormat are required", ErrInvalidRequest)
	}
	if req.JobID != "" && !jobIDPattern.MatchString(req.JobID) {
		metrics.JobsRejected.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: jobId must match %s", ErrInvalidRequest, jobIDPattern)
	}
	if !services.IsS3Reference(req.SourceFile) {
		path, ok := s.localSource(req.SourceFile)
		if !ok {
			metrics.JobsRejected.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: sourceFile must be an s3:// reference or a path inside the upload directory", ErrInvalidRequest)
		}
		req.SourceFile = path
	}
	if limit := s.sizeLimit(req.IsPremium); limit > 0 && req.SourceSize > limit {
		metrics.JobsRejected.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: file exceeds the %d MB limit", ErrInvalidRequest, limit>>20)
	}

	if s.deps.Scanner != nil {
		verdict, err := s.deps.Scanner.Scan(ctx, req.SourceFile)
		if err != nil {
			return nil, fmt.Errorf("virus scan unavailable: %w", err)
		}
		if !verdict.IsClean {
			metrics.JobsRejected.WithLabelValues("infected").Inc()
			s.log.Warn("Rejected infected upload",
				zap.String("user_id", req.UserID),
				zap.String("threat", verdict.Threat),
			)
			return nil, ErrInfected
		}
	}

	job := &models.ConversionJob{
		JobID:        req.JobID,
		UserID:       req.UserID,
		SourceFile:   req.SourceFile,
		FileName:     req.FileName,
		SourceFormat: req.SourceFormat,
		TargetFormat: req.TargetFormat,
		SourceSize:   req.SourceSize,
		Status:       models.StatusPending,
		Priority:     req.Priority,
		IsPremium:    req.IsPremium,
		CreatedAt:    s.now(),
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.IsPremium {
		job.Priority += s.cfg.PremiumPriorityBoost
	}

	if err := s.deps.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, job.JobID, job.Priority); err != nil {
		if derr := s.deps.Store.DeleteJob(ctx, job.JobID); derr != nil {
			s.log.Error("Failed to roll back unqueued job", zap.String("job_id", job.JobID), zap.Error(derr))
		}
		return nil, err
	}

	tier := "free"
	if job.IsPremium {
		tier = "premium"
	}
	metrics.JobsSubmitted.WithLabelValues(tier).Inc()
	s.log.Info("Job submitted",
		zap.String("job_id", job.JobID),
		zap.String("user_id", job.UserID),
		zap.String("pair", job.SourceFormat+"->"+job.TargetFormat),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	return s.deps.Store.GetJob(ctx, id)
}

func (s *Service) GetProgress(ctx context.Context, id string) (int, error) {
	return s.deps.Store.GetProgress(ctx, id)
}

func (s *Service) GetResult(ctx context.Context, id string) (*models.ConversionResult, error) {
	return s.deps.Store.GetResult(ctx, id)
}

// localSource resolves a server-local source reference. Only files inside
// cfg.UploadDir are accepted, also after following symlinks; with no upload
// dir configured, none are.
func (s *Service) localSource(ref string) (string, bool) {
	if s.cfg.UploadDir == "" || ref == "" {
		return "", false
	}
	root, err := filepath.Abs(s.cfg.UploadDir)
	if err != nil {
		return "", false
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !within(root, path) {
		return "", false
	}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		if rootResolved, err := filepath.EvalSymlinks(root); err == nil {
			root = rootResolved
		}
		if !within(root, resolved) {
			return "", false
		}
	}
	return path, true
}

// within reports whether path names an entry strictly below root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
