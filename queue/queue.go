// Package queue is a priority queue of job ids kept in a Redis sorted set.
//
// Items are scored -priority and named "{seq}:{jobId}" with seq a zero-padded
// counter, so ZPOPMIN yields the highest priority first and, within a priority,
// the earliest enqueue. Both enqueue and claim run as single scripts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fileconv/models"
	"fileconv/services"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyQueued is returned when the job already has a live queue item.
var ErrAlreadyQueued = errors.New("job already queued")

const seqWidth = 16

// KEYS: pending zset, seq counter, item hash
// ARGV: job id, priority, enqueuedAt (unix nanos), item ttl (ms)
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -1
end
local seq = redis.call('INCR', KEYS[2])
local s = tostring(seq)
s = string.rep('0', 16 - string.len(s)) .. s
redis.call('ZADD', KEYS[1], -tonumber(ARGV[2]), s .. ':' .. ARGV[1])
redis.call('HSET', KEYS[3], 'jobId', ARGV[1], 'priority', ARGV[2], 'enqueuedAt', ARGV[3], 'seq', seq)
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return seq
`)

// ClaimHolder is the lease holder recorded at claim time, before a worker
// takes the lease over by name.
const ClaimHolder = "claimed"

// The claim leases the job and indexes it as processing in the same step, so
// a job whose claimer never takes the lease over is found by the reaper.
// KEYS: pending zset, processing zset
// ARGV: item key prefix, lease key prefix, lease (ms), now (unix seconds)
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local jobId = string.sub(popped[1], 18)
redis.call('DEL', ARGV[1] .. jobId)
redis.call('SET', ARGV[2] .. jobId, '` + ClaimHolder + `', 'PX', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], jobId)
return jobId
`)

const defaultClaimLease = time.Minute

type Queue struct {
	rdb        *redis.Client
	keys       services.Keys
	itemTTL    time.Duration
	claimLease time.Duration
	now        func() time.Time
}

type Option func(*Queue)

// WithClaimLease sets how long a claimed job stays leased before a worker
// takes the lease over. Past it the reaper may requeue the job.
func WithClaimLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.claimLease = d
		}
	}
}

func New(rdb *redis.Client, keys services.Keys, itemTTL time.Duration, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, keys: keys, itemTTL: itemTTL, claimLease: defaultClaimLease, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds jobID with the given priority. Higher priorities are claimed first.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) (*models.QueueItem, error) {
	enqueuedAt := q.now()
	seq, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.QueuePending(), q.keys.QueueSeq(), q.keys.QueueItem(jobID)},
		jobID, priority, enqueuedAt.UnixNano(), q.itemTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", jobID, err)
	}
	if seq < 0 {
		return nil, ErrAlreadyQueued
	}

	return &models.QueueItem{
		JobID:      jobID,
		Priority:   priority,
		Seq:        seq,
		EnqueuedAt: enqueuedAt,
	}, nil
}

// DequeueNext claims and removes the top item in one step. The claimed job is
// leased to ClaimHolder and listed as processing. It returns "" when the queue
// is empty. On store errors nothing has been removed.
func (q *Queue) DequeueNext(ctx context.Context) (string, error) {
	jobID, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.QueuePending(), q.keys.JobsProcessing()},
		q.keys.QueueItemPrefix(), q.keys.LeasePrefix(), q.claimLease.Milliseconds(), q.now().Unix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue: %w", err)
	}
	return jobID, nil
}

// Item returns the live queue item for jobID.
func (q *Queue) Item(ctx context.Context, jobID string) (*models.QueueItem, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.QueueItem(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue item %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, services.ErrNotFound
	}

	priority, _ := strconv.Atoi(fields["priority"])
	seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
	nanos, _ := strconv.ParseInt(fields["enqueuedAt"], 10, 64)
	return &models.QueueItem{
		JobID:      fields["jobId"],
		Priority:   priority,
		Seq:        seq,
		EnqueuedAt: time.Unix(0, nanos),
	}, nil
}

// Len is the number of items waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys.QueuePending()).Result()
}
