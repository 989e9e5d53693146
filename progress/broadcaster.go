// Package progress relays job status and progress from the job store to live
// subscribers over per-job channels.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"fileconv/models"
	"fileconv/services"

	"go.uber.org/zap"
)

// Event types sent to subscribers.
const (
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeError     = "error"
)

type Event struct {
	Type     string                   `json:"type"`
	JobID    string                   `json:"jobId,omitempty"`
	Status   models.JobStatus         `json:"status,omitempty"`
	Stage    models.Stage             `json:"stage,omitempty"`
	Progress int                      `json:"progress"`
	Result   *models.ConversionResult `json:"result,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Code     models.ErrorCode         `json:"code,omitempty"`
	Message  string                   `json:"message,omitempty"`
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Type != TypeProgress
}

// Source is the read side of the job store.
type Source interface {
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	GetProgress(ctx context.Context, id string) (int, error)
	GetResult(ctx context.Context, id string) (*models.ConversionResult, error)
	Watch(ctx context.Context, id string) (<-chan struct{}, func())
}

const subscriberBuffer = 16

// Broadcaster runs one polling loop per watched job and fans its events out
// to every subscriber of that job.
type Broadcaster struct {
	src      Source
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	subs   map[*Subscription]struct{}
	cancel context.CancelFunc
	last   int
}

// Subscription receives events for one job on C. C is closed after a
// terminal event or when the subscription is closed.
type Subscription struct {
	JobID string
	C     <-chan Event

	ch chan Event
	b  *Broadcaster
}

func NewBroadcaster(src Source, interval time.Duration, log *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		src:      src,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
}

// Subscribe joins the channel for jobID, starting its loop if needed.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{JobID: jobID, C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[jobID]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		c = &channel{subs: make(map[*Subscription]struct{}), cancel: cancel}
		b.channels[jobID] = c
		go b.run(ctx, jobID, c)
	}
	c.subs[sub] = struct{}{}
	return sub
}

// Close leaves the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.remove(s)
}

// Subscribers returns how many subscriptions are open for jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.channels[jobID]; ok {
		return len(c.subs)
	}
	return 0
}

// Close stops every loop and closes every subscription.
func (b *Broadcaster) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.channels {
		for sub := range c.subs {
			b.remove(sub)
		}
	}
}

// remove must be called with b.mu held.
func (b *Broadcaster) remove(sub *Subscription) {
	c, ok := b.channels[sub.JobID]
	if !ok {
		return
	}
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	close(sub.ch)
	if len(c.subs) == 0 {
		c.cancel()
		delete(b.channels, sub.JobID)
	}
}

func (b *Broadcaster) run(ctx context.Context, jobID string, c *channel) {
	changes, stop := b.src.Watch(ctx, jobID)
	defer stop()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if b.tick(ctx, jobID, c) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}

// tick reads the job once and delivers the event. It reports whether the
// channel is finished.
func (b *Broadcaster) tick(ctx context.Context, jobID string, c *channel) bool {
	ev, err := b.Snapshot(ctx, jobID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		if ctx.Err() == nil {
			b.log.Debug("Progress read failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return true
	}

	if ev.Progress < c.last {
		ev.Progress = c.last
	}
	c.last = ev.Progress

	for sub := range c.subs {
		if ev.Terminal() {
			deliverFinal(sub.ch, ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow reader; the next tick carries newer state anyway.
		}
	}

	if ev.Terminal() {
		for sub := range c.subs {
			b.remove(sub)
		}
		return true
	}
	return false
}

// deliverFinal makes room for ev by dropping the oldest queued event if needed.
func deliverFinal(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Snapshot reads the current state of a job as the event a subscriber would
// get. It backs the polling endpoint. A missing job yields an error event
// together with services.ErrNotFound.
func (b *Broadcaster) Snapshot(ctx context.Context, jobID string) (Event, error) {
	job, err := b.src.GetJob(ctx, jobID)
	if errors.Is(err, services.ErrNotFound) {
		return Event{Type: TypeError, JobID: jobID, Message: "job not found or expired"}, err
	}
	if err != nil {
		return Event{}, err
	}

	progress, err := b.src.GetProgress(ctx, jobID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return Event{}, err
	}

	ev := Event{JobID: jobID, Status: job.Status, Stage: job.Stage, Progress: progress}
	switch job.Status {
	case models.StatusCompleted:
		result, err := b.src.GetResult(ctx, jobID)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			return Event{}, err
		}
		ev.Type = TypeCompleted
		ev.Progress = 100
		ev.Result = result
	case models.StatusFailed:
		ev.Type = TypeFailed
		ev.Error = job.Error
		ev.Code = job.ErrorCode
	default:
		ev.Type = TypeProgress
	}
	return ev, nil
}
