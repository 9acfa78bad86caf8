package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

// JobStore is the durable job table behind the Queue.
type JobStore interface {
	Enqueue(ctx context.Context, registrationID uint, eligibleAt time.Time) error
	Claim(ctx context.Context, consumer string, now time.Time, lease time.Duration) (*domain.DispatchJob, error)
	Reschedule(ctx context.Context, id uint, consumer string, attempt int, nextEligible time.Time, lastErr string) error
	Delete(ctx context.Context, id uint, consumer string) error
	Count(ctx context.Context) (int64, error)
}

// Queue is the durable dispatch queue. Jobs become visible to consumers once
// their next_eligible_at has passed, oldest first, and each claim is a lease
// held by one consumer until the job is completed or retried.
type Queue struct {
	Store        JobStore
	Lease        time.Duration
	PollInterval time.Duration

	consumer string
	now      func() time.Time
	wake     chan struct{}
}

// NewQueue returns a Queue over store. Non-positive lease or poll values
// select 30s and 1s.
func NewQueue(store JobStore, lease, poll time.Duration) *Queue {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{
		Store:        store,
		Lease:        lease,
		PollInterval: poll,
		consumer:     uuid.NewString(),
		now:          time.Now,
		wake:         make(chan struct{}, 1),
	}
}

// WithConsumer returns a view of q that claims under a distinct consumer id
// while sharing its store and wake-ups.
func (q *Queue) WithConsumer(id string) *Queue {
	cp := *q
	cp.consumer = id
	return &cp
}

// Consumer returns the id this view claims under.
func (q *Queue) Consumer() string { return q.consumer }

// Enqueue adds a job for registrationID, eligible now. A registration that
// already has a job is left as is.
func (q *Queue) Enqueue(ctx context.Context, registrationID uint) error {
	err := q.Store.Enqueue(ctx, registrationID, q.now().UTC())
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue claims one eligible job or returns repo.ErrNotFound.
func (q *Queue) TryDequeue(ctx context.Context) (*domain.DispatchJob, error) {
	return q.Store.Claim(ctx, q.consumer, q.now().UTC(), q.Lease)
}

// Dequeue blocks until a job is claimed or ctx is done. It is woken by
// in-process Enqueue calls and polls otherwise.
func (q *Queue) Dequeue(ctx context.Context) (*domain.DispatchJob, error) {
	for {
		j, err := q.TryDequeue(ctx)
		if err == nil {
			return j, nil
		}
		if !repo.IsNotFound(err) {
			return nil, err
		}

		t := time.NewTimer(q.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Complete removes a consumed or discarded job.
func (q *Queue) Complete(ctx context.Context, j *domain.DispatchJob) error {
	return q.Store.Delete(ctx, j.ID, q.consumer)
}

// Retry releases j and makes it eligible again at next.
func (q *Queue) Retry(ctx context.Context, j *domain.DispatchJob, attempt int, next time.Time, lastErr string) error {
	return q.Store.Reschedule(ctx, j.ID, q.consumer, attempt, next, lastErr)
}

// Depth returns the number of queued jobs and updates the depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.Store.Count(ctx)
	if err == nil {
		queueDepth.Set(float64(n))
	}
	return n, err
}
