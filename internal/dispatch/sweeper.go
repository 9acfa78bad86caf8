package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog/log"
)

const (
	sweepLockKey = "lock:orphan-sweep"
	sweepBatch   = 100
)

// OrphanSource lists pending registrations that have no dispatch job.
type OrphanSource interface {
	Orphans(ctx context.Context, createdBefore time.Time, limit int) ([]uint, error)
}

// Locker obtains a distributed lock. *redislock.Client satisfies it.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Sweeper re-enqueues registrations persisted as pending whose enqueue never
// happened, e.g. after a crash between the two writes. Records younger than
// Grace are left alone so an in-flight submit is not raced.
type Sweeper struct {
	Records  OrphanSource
	Queue    *Queue
	Locker   Locker
	Grace    time.Duration
	Interval time.Duration

	now func() time.Time
}

// NewSweeper returns a Sweeper; locker may be nil for single-replica setups.
func NewSweeper(records OrphanSource, q *Queue, locker Locker, grace, interval time.Duration) *Sweeper {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		Records:  records,
		Queue:    q,
		Locker:   locker,
		Grace:    grace,
		Interval: interval,
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("orphan sweep failed")
		} else if n > 0 {
			log.Info().Int("requeued", n).Msg("orphan sweep requeued registrations")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Sweep enqueues every orphaned registration older than Grace and returns
// how many it enqueued. With a Locker, only the replica holding the lock
// sweeps; if Redis is unreachable the sweep runs unlocked.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.Locker != nil {
		lock, err := s.Locker.Obtain(ctx, sweepLockKey, s.Interval, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			return 0, nil
		case err != nil:
			log.Warn().Err(err).Msg("sweep lock unavailable; sweeping without lock")
		case lock != nil:
			defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
		}
	}

	if _, err := s.Queue.Depth(ctx); err != nil {
		log.Warn().Err(err).Msg("queue depth not sampled")
	}

	cutoff := s.now().UTC().Add(-s.Grace)
	total := 0
	for {
		ids, err := s.Records.Orphans(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			if err := s.Queue.Enqueue(ctx, id); err != nil {
				return total, err
			}
			orphansRequeued.Inc()
			log.Warn().Uint("registration_id", id).Msg("orphaned registration requeued")
		}
		total += len(ids)
		if len(ids) < sweepBatch {
			return total, nil
		}
	}
}
