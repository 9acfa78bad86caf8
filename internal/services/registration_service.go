// Package services – RegistrationService
//
// This file implements RegistrationService, the component that accepts a
// validated queue-slot request, persists it as a pending registration and
// hands it to the dispatch queue. It also offers idempotent submission keyed
// by a client-supplied key, and read access for handlers.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

// IdempotencyScope namespaces submit keys in the idempotency table.
const IdempotencyScope = "registrations"

// RegistrationRequest is a queue-slot request as captured by the intake
// conversation or received over HTTP.
type RegistrationRequest struct {
	WhatsappID    string `json:"whatsapp_id"    validate:"required,max=15"`
	Name          string `json:"name"           validate:"max=255"`
	NIK           string `json:"nik"            validate:"required,len=16,digits"`
	BranchCode    string `json:"branch_code"    validate:"required,max=20"`
	DateRequested string `json:"date_requested" validate:"required,datetime=2006-01-02"`
}

// RegistrationStore is the persistence contract required by the services.
type RegistrationStore interface {
	Create(ctx context.Context, r *domain.Registration) error
	Get(ctx context.Context, id uint) (*domain.Registration, error)
	Count(ctx context.Context, whatsappID string) (int64, error)
	ListPage(ctx context.Context, whatsappID string, offset, limit int) ([]domain.Registration, error)
	Transition(ctx context.Context, id uint, to domain.Status, ch repo.StatusChange) (bool, error)
}

// Enqueuer accepts a registration id for dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, registrationID uint) error
}

// KeyStore persists idempotency keys. CreateWithRegistration writes r and
// its key atomically and returns repo.ErrDuplicate when the key is live.
type KeyStore interface {
	Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error)
	CreateWithRegistration(ctx context.Context, scope, key string, r *domain.Registration, status int, ttl time.Duration) error
}

// RegistrationService validates, persists and enqueues registrations.
type RegistrationService struct {
	Store RegistrationStore
	Queue Enqueuer
	Keys  KeyStore

	// KeyTTL is how long an idempotency key replays its first result.
	KeyTTL time.Duration

	validate *validator.Validate
}

// NewRegistrationService constructs a RegistrationService with a 24h key TTL.
func NewRegistrationService(store RegistrationStore, queue Enqueuer, keys KeyStore) *RegistrationService {
	return &RegistrationService{
		Store:    store,
		Queue:    queue,
		Keys:     keys,
		KeyTTL:   24 * time.Hour,
		validate: newValidator(),
	}
}

var digitsRE = regexp.MustCompile(`^[0-9]+$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// "numeric" accepts signs and decimals; a NIK is digits only.
	_ = v.RegisterValidation("digits", func(fl validator.FieldLevel) bool {
		return digitsRE.MatchString(fl.Field().String())
	})
	return v
}

// Normalize trims every field and upper-cases the branch code.
func (r RegistrationRequest) Normalize() RegistrationRequest {
	r.WhatsappID = strings.TrimSpace(r.WhatsappID)
	r.Name = strings.TrimSpace(r.Name)
	r.NIK = strings.TrimSpace(r.NIK)
	r.BranchCode = cases.Upper(language.Und).String(strings.TrimSpace(r.BranchCode))
	r.DateRequested = strings.TrimSpace(r.DateRequested)
	return r
}

// Validate checks req and returns a *ValidationError naming every offending
// field, or nil.
func (s *RegistrationService) Validate(req RegistrationRequest) error {
	if s.validate == nil {
		s.validate = newValidator()
	}
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[fe.Field()] = fieldMessage(fe)
	}
	return ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "digits":
		return "must contain digits only"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	}
	return "is invalid"
}

// Submit validates req, persists it as pending and enqueues it for dispatch.
//
// Nothing is persisted when validation fails. An enqueue failure after a
// successful persist is logged and not returned: the record stays pending
// and is picked up by the orphan sweep.
func (s *RegistrationService) Submit(ctx context.Context, req RegistrationRequest) (uint, error) {
	tr := otel.Tracer("services/RegistrationService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("branch.code", req.BranchCode)),
	)
	defer span.End()

	rec, err := s.build(req)
	if err != nil {
		return 0, err
	}
	if err := s.Store.Create(ctx, rec); err != nil {
		return 0, fmt.Errorf("persist registration: %w", err)
	}
	span.SetAttributes(attribute.Int64("registration.id", int64(rec.ID)))

	s.enqueue(ctx, rec.ID)
	return rec.ID, nil
}

// SubmitOnce is Submit guarded by an idempotency key: a key seen before
// (and not yet expired) returns the registration id of its first submit and
// replayed=true. An empty key behaves like Submit.
//
// The record and its key are written in one transaction, so concurrent
// submits with the same key persist and enqueue a single registration.
func (s *RegistrationService) SubmitOnce(ctx context.Context, key string, req RegistrationRequest) (id uint, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" || s.Keys == nil {
		id, err = s.Submit(ctx, req)
		return id, false, err
	}

	tr := otel.Tracer("services/RegistrationService")
	ctx, span := tr.Start(ctx, "SubmitOnce",
		trace.WithAttributes(attribute.String("branch.code", req.BranchCode)),
	)
	defer span.End()

	if rec, gerr := s.Keys.Get(ctx, IdempotencyScope, key, time.Now().UTC()); gerr == nil {
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return rec.RegistrationID, true, nil
	} else if !repo.IsNotFound(gerr) {
		return 0, false, gerr
	}

	rec, err := s.build(req)
	if err != nil {
		return 0, false, err
	}

	err = s.Keys.CreateWithRegistration(ctx, IdempotencyScope, key, rec, 201, s.KeyTTL)
	if errors.Is(err, repo.ErrDuplicate) {
		winner, gerr := s.Keys.Get(ctx, IdempotencyScope, key, time.Now().UTC())
		if gerr != nil {
			return 0, false, fmt.Errorf("resolve idempotency key: %w", gerr)
		}
		log.Info().Uint("registration_id", winner.RegistrationID).Msg("concurrent submit with same idempotency key")
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return winner.RegistrationID, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("persist registration: %w", err)
	}
	span.SetAttributes(attribute.Int64("registration.id", int64(rec.ID)))

	s.enqueue(ctx, rec.ID)
	return rec.ID, false, nil
}

// build normalizes and validates req into a pending record.
func (s *RegistrationService) build(req RegistrationRequest) (*domain.Registration, error) {
	req = req.Normalize()
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	rec := &domain.Registration{
		WhatsappID:    req.WhatsappID,
		NIK:           req.NIK,
		BranchCode:    req.BranchCode,
		DateRequested: req.DateRequested,
		Status:        domain.StatusPending,
	}
	if req.Name != "" {
		name := req.Name
		rec.Name = &name
	}
	return rec, nil
}

func (s *RegistrationService) enqueue(ctx context.Context, id uint) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.Enqueue(ctx, id); err != nil {
		log.Warn().Err(err).Uint("registration_id", id).Msg("enqueue failed; left for orphan sweep")
	}
}

// Get returns a registration or ErrRegistrationNotFound.
func (s *RegistrationService) Get(ctx context.Context, id uint) (*domain.Registration, error) {
	r, err := s.Store.Get(ctx, id)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrRegistrationNotFound
		}
		return nil, err
	}
	return r, nil
}

// ListByRequester returns a page of a requester's registrations, most recent
// first, and the total count. Invalid page/pageSize fall back to 1/20.
func (s *RegistrationService) ListByRequester(ctx context.Context, whatsappID string, page, pageSize int) ([]domain.Registration, int64, error) {
	tr := otel.Tracer("services/RegistrationService")
	ctx, span := tr.Start(ctx, "ListByRequester",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Store.Count(ctx, whatsappID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Registration{}, 0, nil
	}
	items, err := s.Store.ListPage(ctx, whatsappID, offset, pageSize)
	return items, total, err
}
