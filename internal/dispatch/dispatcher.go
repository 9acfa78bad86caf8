package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

// NotesForwarded is written when the worker accepts a registration.
const NotesForwarded = "forwarded to automation worker"

// RecordStore is the registration access the dispatcher needs.
type RecordStore interface {
	Get(ctx context.Context, id uint) (*domain.Registration, error)
	Transition(ctx context.Context, id uint, to domain.Status, ch repo.StatusChange) (bool, error)
}

// Notifier is told about registrations the dispatcher fails.
type Notifier interface {
	NotifyOutcome(ctx context.Context, r domain.Registration) error
}

// Dispatcher drains the Queue and hands each registration to the worker.
//
// Per job: a missing registration drops the job; a registration no longer
// pending drops it too, since it was already handed over. Otherwise the
// worker is called with Timeout. Acceptance marks the record processing and
// completes the job. A transient failure reschedules the job after Backoff
// until MaxAttempts calls have failed; a permanent rejection fails the
// record right away.
type Dispatcher struct {
	Queue       *Queue
	Store       RecordStore
	Worker      Caller
	Backoff     Backoff
	Notifier    Notifier
	MaxAttempts int
	Workers     int
	Timeout     time.Duration

	now func() time.Time
}

// NewDispatcher returns a Dispatcher with 3 attempts, 60s constant backoff,
// a 10s call timeout and 2 workers.
func NewDispatcher(q *Queue, store RecordStore, worker Caller) *Dispatcher {
	return &Dispatcher{
		Queue:       q,
		Store:       store,
		Worker:      worker,
		Backoff:     Constant{Interval: 60 * time.Second},
		MaxAttempts: 3,
		Workers:     2,
		Timeout:     10 * time.Second,
		now:         time.Now,
	}
}

// Run starts Workers consumers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	n := d.Workers
	if n <= 0 {
		n = 1
	}
	log.Info().Int("workers", n).Int("max_attempts", d.MaxAttempts).Msg("dispatcher starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		q := d.Queue.WithConsumer(fmt.Sprintf("%s-%d", d.Queue.Consumer(), i))
		g.Go(func() error {
			d.loop(gctx, q)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Msg("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, q *Queue) {
	for {
		j, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("consumer", q.Consumer()).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.PollInterval):
			}
			continue
		}
		if err := d.handle(ctx, q, j); err != nil {
			log.Error().Err(err).Uint("job_id", j.ID).Uint("registration_id", j.RegistrationID).Msg("dispatch job not settled")
		}
	}
}

// ProcessNext claims and handles one eligible job without blocking. It
// reports whether a job was found.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	j, err := d.Queue.TryDequeue(ctx)
	if err != nil {
		if repo.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, d.handle(ctx, d.Queue, j)
}

func (d *Dispatcher) handle(ctx context.Context, q *Queue, j *domain.DispatchJob) error {
	tr := otel.Tracer("dispatch/Dispatcher")
	ctx, span := tr.Start(ctx, "handle",
		trace.WithAttributes(
			attribute.Int64("registration.id", int64(j.RegistrationID)),
			attribute.Int("dispatch.attempt", j.Attempt),
		),
	)
	defer span.End()

	// Settlement writes must land even when shutdown cancels ctx mid-call.
	settle := context.WithoutCancel(ctx)

	rec, err := d.Store.Get(ctx, j.RegistrationID)
	if err != nil {
		if repo.IsNotFound(err) {
			log.Warn().Uint("registration_id", j.RegistrationID).Msg("dispatch job for missing registration dropped")
			return q.Complete(settle, j)
		}
		return err
	}
	if rec.Status != domain.StatusPending {
		log.Info().Uint("registration_id", rec.ID).Str("status", string(rec.Status)).Msg("registration already handed over; job dropped")
		return q.Complete(settle, j)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	callErr := d.Worker.Dispatch(callCtx, PayloadFrom(rec))
	cancel()

	if callErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown: the attempt does not count.
		return q.Retry(settle, j, j.Attempt, d.now().UTC(), j.LastError)
	}
	dispatchAttempts.WithLabelValues(resultLabel(callErr)).Inc()

	if callErr == nil {
		ok, err := d.Store.Transition(settle, rec.ID, domain.StatusProcessing, repo.StatusChange{Notes: NotesForwarded})
		if err != nil {
			log.Warn().Err(err).Uint("registration_id", rec.ID).Msg("processing status not recorded")
		} else if !ok {
			log.Debug().Uint("registration_id", rec.ID).Msg("outcome arrived before processing status")
		}
		return q.Complete(settle, j)
	}

	attempt := j.Attempt + 1
	if IsPermanent(callErr) || attempt >= d.MaxAttempts {
		return d.fail(settle, q, j, rec, attempt, callErr)
	}

	delay := d.Backoff.Delay(attempt)
	next := d.now().UTC().Add(delay)
	log.Warn().Err(callErr).
		Uint("registration_id", rec.ID).
		Int("attempt", attempt).
		Int("max_attempts", d.MaxAttempts).
		Dur("delay", delay).
		Msg("dispatch scheduled for retry")
	return q.Retry(settle, j, attempt, next, callErr.Error())
}

func (d *Dispatcher) fail(ctx context.Context, q *Queue, j *domain.DispatchJob, rec *domain.Registration, attempt int, callErr error) error {
	notes := fmt.Sprintf("%s after %d attempt(s): %v", domain.DispatchFailedNotesPrefix, attempt, callErr)
	ok, err := d.Store.Transition(ctx, rec.ID, domain.StatusFailed, repo.StatusChange{Notes: notes})
	if err != nil {
		return err
	}
	log.Warn().Err(callErr).Uint("registration_id", rec.ID).Int("attempts", attempt).Msg("dispatch gave up")

	if ok {
		dispatchFailures.Inc()
		rec.Status = domain.StatusFailed
		rec.Notes = domain.TruncateNotes(notes)
		if d.Notifier != nil {
			if nerr := d.Notifier.NotifyOutcome(ctx, *rec); nerr != nil {
				log.Warn().Err(nerr).Uint("registration_id", rec.ID).Msg("failure notification failed")
			}
		}
	}
	if err := q.Complete(ctx, j); err != nil && !errors.Is(err, repo.ErrLeaseLost) {
		return err
	}
	return nil
}
