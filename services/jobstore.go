package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fileconv/models"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateJob is returned when a job id is already taken.
var ErrDuplicateJob = errors.New("job already exists")

var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// JobStore keeps job records, progress counters, results and leases in Redis.
type JobStore struct {
	rdb  *redis.Client
	keys Keys
	ttl  time.Duration
}

func NewJobStore(rdb *redis.Client, keys Keys, ttl time.Duration) *JobStore {
	return &JobStore{rdb: rdb, keys: keys, ttl: ttl}
}

func (s *JobStore) Keys() Keys { return s.keys }

func (s *JobStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CreateJob stores a new job record; it fails if the id already exists.
func (s *JobStore) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.keys.Job(job.JobID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return ErrDuplicateJob
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.keys.JobsCreated(), redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.JobID})
	pipe.Set(ctx, s.keys.Progress(job.JobID), 0, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *JobStore) SaveJob(ctx context.Context, job *models.ConversionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keys.Job(job.JobID), data, s.ttl)
	pipe.Publish(ctx, s.keys.JobEvents(job.JobID), "job")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	var job models.ConversionJob
	if err := s.getJSON(ctx, s.keys.Job(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) SetProgress(ctx context.Context, id string, progress int) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keys.Progress(id), progress, s.ttl)
	pipe.Publish(ctx, s.keys.JobEvents(id), "progress")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set progress for %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) GetProgress(ctx context.Context, id string) (int, error) {
	val, err := s.rdb.Get(ctx, s.keys.Progress(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get progress for %s: %w", id, err)
	}
	progress, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt progress for %s: %w", id, err)
	}
	return progress, nil
}

func (s *JobStore) SaveResult(ctx context.Context, result *models.ConversionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.rdb.Set(ctx, s.keys.Result(result.JobID), data, s.ttl).Err()
}

func (s *JobStore) GetResult(ctx context.Context, id string) (*models.ConversionResult, error) {
	var result models.ConversionResult
	if err := s.getJSON(ctx, s.keys.Result(id), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkProcessing takes the lease for workerID and indexes the job as in flight.
func (s *JobStore) MarkProcessing(ctx context.Context, id, workerID string, lease time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keys.Lease(id), workerID, lease)
	pipe.ZAdd(ctx, s.keys.JobsProcessing(), redis.Z{Score: float64(time.Now().Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to lease job %s: %w", id, err)
	}
	return nil
}

// RenewLease extends the lease only while workerID still holds it.
func (s *JobStore) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, s.rdb, []string{s.keys.Lease(id)}, workerID, lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease for %s: %w", id, err)
	}
	return n == 1, nil
}

// LeaseHolder returns the worker holding the lease, or "" once it has expired.
func (s *JobStore) LeaseHolder(ctx context.Context, id string) (string, error) {
	holder, err := s.rdb.Get(ctx, s.keys.Lease(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return holder, err
}

// ReleaseProcessing drops the lease and the in-flight index entry. It reports
// whether this call removed the index entry, so concurrent callers can tell
// which one owns any follow-up action.
func (s *JobStore) ReleaseProcessing(ctx context.Context, id string) (bool, error) {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keys.Lease(id))
	removed := pipe.ZRem(ctx, s.keys.JobsProcessing(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to release job %s: %w", id, err)
	}
	return removed.Val() == 1, nil
}

func (s *JobStore) ProcessingJobs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.keys.JobsProcessing(), 0, -1).Result()
}

func (s *JobStore) JobsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.keys.JobsCreated(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
}

// DeleteJob removes every key belonging to a job. Missing keys are fine.
func (s *JobStore) DeleteJob(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keys.Job(id), s.keys.Progress(id), s.keys.Result(id), s.keys.Lease(id))
	pipe.ZRem(ctx, s.keys.JobsCreated(), id)
	pipe.ZRem(ctx, s.keys.JobsProcessing(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Watch subscribes to change notifications for one job. Each write to the job
// record or its progress produces a signal; signals are coalesced.
func (s *JobStore) Watch(ctx context.Context, id string) (<-chan struct{}, func()) {
	sub := s.rdb.Subscribe(ctx, s.keys.JobEvents(id))
	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop
}

func (s *JobStore) getJSON(ctx context.Context, key string, v interface{}) error {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
