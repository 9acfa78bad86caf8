// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for registration submits.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists:
// an idempotency record for (scope, key) or a dispatch job for a registration.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("scope = ? AND key = ? AND expires_at > ?", scope, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, scope, key string, registrationID uint, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:             uuid.NewString(),
		Scope:          scope,
		Key:            key,
		RegistrationID: registrationID,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CreateRegistrationWithKey inserts r and its (scope, key) record in one
// transaction. A live record for the key rolls back the registration and
// returns ErrDuplicate; an expired one is replaced.
func CreateRegistrationWithKey(ctx context.Context, db *gorm.DB, scope, key string, r *domain.Registration, status int, ttl time.Duration) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scope = ? AND key = ? AND expires_at <= ?", scope, key, time.Now().UTC()).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		if err := CreateRegistration(ctx, tx, r); err != nil {
			return err
		}
		_, err := CreateIdempotency(ctx, tx, scope, key, r.ID, status, ttl)
		return err
	})
	if err != nil {
		r.ID = 0
	}
	return err
}

// Keys binds the idempotency helpers to a DB handle.
type Keys struct {
	DB *gorm.DB
}

// Get proxies GetIdempotency.
func (s Keys) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	return GetIdempotency(ctx, s.DB, scope, key, now)
}

// Create proxies CreateIdempotency.
func (s Keys) Create(ctx context.Context, scope, key string, registrationID uint, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return CreateIdempotency(ctx, s.DB, scope, key, registrationID, status, ttl)
}

// CreateWithRegistration proxies CreateRegistrationWithKey.
func (s Keys) CreateWithRegistration(ctx context.Context, scope, key string, r *domain.Registration, status int, ttl time.Duration) error {
	return CreateRegistrationWithKey(ctx, s.DB, scope, key, r, status, ttl)
}
