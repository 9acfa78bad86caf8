// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Registration model, the record store of the system.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic beyond the
// conditional status update that keeps transitions forward-only.
//
// Error semantics:
//   - When a registration is not found, functions return ErrNotFound.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// StatusChange carries the fields written together with a status transition.
// QueueNumber is only persisted when the target status is success.
type StatusChange struct {
	QueueNumber *string
	Notes       string
}

// CreateRegistration inserts r. Status defaults to pending and timestamps to
// now (UTC) when unset; the generated id is written back into r.
func CreateRegistration(ctx context.Context, db *gorm.DB, r *domain.Registration) error {
	now := time.Now().UTC()
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	return db.WithContext(ctx).Create(r).Error
}

// GetRegistration fetches a registration by id, or ErrNotFound.
func GetRegistration(ctx context.Context, db *gorm.DB, id uint) (*domain.Registration, error) {
	var r domain.Registration
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// CountRegistrations returns the number of registrations of a requester.
func CountRegistrations(ctx context.Context, db *gorm.DB, whatsappID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Registration{}).
		Where("whatsapp_id = ?", whatsappID).
		Count(&total).Error
	return total, err
}

// ListRegistrationsPage returns a page of a requester's registrations, most
// recent first.
func ListRegistrationsPage(ctx context.Context, db *gorm.DB, whatsappID string, offset, limit int) ([]domain.Registration, error) {
	var out []domain.Registration
	err := db.WithContext(ctx).
		Where("whatsapp_id = ?", whatsappID).
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TransitionStatus moves registration id to status to, but only if its
// current status is one of to.Predecessors(). It reports whether the row was
// updated; false with a nil error means the record is missing or already past
// that point.
func TransitionStatus(ctx context.Context, db *gorm.DB, id uint, to domain.Status, ch StatusChange) (bool, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	updates := map[string]any{
		"status":     string(to),
		"notes":      domain.TruncateNotes(ch.Notes),
		"updated_at": time.Now().UTC(),
	}
	if to == domain.StatusSuccess && ch.QueueNumber != nil {
		updates["queue_number"] = strings.TrimSpace(*ch.QueueNumber)
	}

	res := db.WithContext(ctx).
		Model(&domain.Registration{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListOrphanedPending returns ids of pending registrations created at or
// before createdBefore that have no dispatch job, oldest first.
func ListOrphanedPending(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).
		Model(&domain.Registration{}).
		Where("status = ? AND created_at <= ?", string(domain.StatusPending), createdBefore.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM dispatch_jobs WHERE dispatch_jobs.registration_id = registrations.id)").
		Order("id asc").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// Registrations binds the registration functions to a DB handle so callers
// can depend on a narrow interface instead of *gorm.DB.
type Registrations struct {
	DB *gorm.DB
}

// Create proxies CreateRegistration.
func (s Registrations) Create(ctx context.Context, r *domain.Registration) error {
	return CreateRegistration(ctx, s.DB, r)
}

// Get proxies GetRegistration.
func (s Registrations) Get(ctx context.Context, id uint) (*domain.Registration, error) {
	return GetRegistration(ctx, s.DB, id)
}

// Count proxies CountRegistrations.
func (s Registrations) Count(ctx context.Context, whatsappID string) (int64, error) {
	return CountRegistrations(ctx, s.DB, whatsappID)
}

// ListPage proxies ListRegistrationsPage.
func (s Registrations) ListPage(ctx context.Context, whatsappID string, offset, limit int) ([]domain.Registration, error) {
	return ListRegistrationsPage(ctx, s.DB, whatsappID, offset, limit)
}

// Transition proxies TransitionStatus.
func (s Registrations) Transition(ctx context.Context, id uint, to domain.Status, ch StatusChange) (bool, error) {
	return TransitionStatus(ctx, s.DB, id, to, ch)
}

// Orphans proxies ListOrphanedPending.
func (s Registrations) Orphans(ctx context.Context, createdBefore time.Time, limit int) ([]uint, error) {
	return ListOrphanedPending(ctx, s.DB, createdBefore, limit)
}

// IsNotFound reports whether err means "no such row".
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
