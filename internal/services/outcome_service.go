// Package services – OutcomeService
//
// OutcomeService reconciles the terminal outcome reported by the automation
// worker with the stored registration. Reports are idempotent and the first
// terminal outcome wins: later conflicting reports are acknowledged, logged
// as anomalies and never applied.
package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

// reconcileAttempts bounds re-reads after losing a conditional update.
// A record changes status at most twice, so three reads always settle.
const reconcileAttempts = 3

// Notifier tells the requester about a terminal outcome.
type Notifier interface {
	NotifyOutcome(ctx context.Context, r domain.Registration) error
}

// Outcome is a terminal report from the automation worker.
type Outcome struct {
	RegistrationID uint
	Status         domain.Status
	QueueNumber    *string
	Notes          string
}

// Ack is the reconciler's answer. Applied is false for replays and for
// conflicting reports; Status is the record's status after the call.
type Ack struct {
	Applied bool
	Status  domain.Status
}

// OutcomeService applies worker outcome reports.
type OutcomeService struct {
	Store    RegistrationStore
	Notifier Notifier
}

// ReportOutcome applies o to its registration.
//
// Errors:
//   - ErrInvalidStatus when o.Status is not success or failed (checked first).
//   - ErrRegistrationNotFound when the id is unknown.
func (s *OutcomeService) ReportOutcome(ctx context.Context, o Outcome) (Ack, error) {
	tr := otel.Tracer("services/OutcomeService")
	ctx, span := tr.Start(ctx, "ReportOutcome",
		trace.WithAttributes(
			attribute.Int64("registration.id", int64(o.RegistrationID)),
			attribute.String("outcome.status", string(o.Status)),
		),
	)
	defer span.End()

	if !o.Status.IsTerminal() {
		return Ack{}, ErrInvalidStatus
	}

	for i := 0; i < reconcileAttempts; i++ {
		rec, err := s.Store.Get(ctx, o.RegistrationID)
		if err != nil {
			if repo.IsNotFound(err) {
				return Ack{}, ErrRegistrationNotFound
			}
			return Ack{}, err
		}

		if rec.Status.IsTerminal() {
			if rec.Status != o.Status {
				log.Warn().
					Uint("registration_id", rec.ID).
					Str("stored_status", string(rec.Status)).
					Str("reported_status", string(o.Status)).
					Msg("conflicting outcome report ignored")
			}
			return Ack{Applied: false, Status: rec.Status}, nil
		}

		ok, err := s.Store.Transition(ctx, rec.ID, o.Status, repo.StatusChange{
			QueueNumber: o.QueueNumber,
			Notes:       o.Notes,
		})
		if err != nil {
			return Ack{}, err
		}
		if !ok {
			continue
		}

		rec.Status = o.Status
		rec.Notes = domain.TruncateNotes(o.Notes)
		if o.Status == domain.StatusSuccess && o.QueueNumber != nil {
			q := strings.TrimSpace(*o.QueueNumber)
			rec.QueueNumber = &q
		}
		s.notify(ctx, *rec)
		return Ack{Applied: true, Status: o.Status}, nil
	}

	rec, err := s.Store.Get(ctx, o.RegistrationID)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Applied: false, Status: rec.Status}, nil
}

func (s *OutcomeService) notify(ctx context.Context, r domain.Registration) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.NotifyOutcome(ctx, r); err != nil {
		log.Warn().Err(err).Uint("registration_id", r.ID).Msg("outcome notification failed")
	}
}
