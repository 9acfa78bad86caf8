// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides a small aggregate query used for weak
// ETag generation on the registration listing endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// RegistrationsStats returns the number of registrations of a requester and
// the greatest UpdatedAt among them (nil when there are none).
func RegistrationsStats(ctx context.Context, db *gorm.DB, whatsappID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Registration{}).Where("whatsapp_id = ?", whatsappID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// Stats proxies RegistrationsStats.
func (s Registrations) Stats(ctx context.Context, whatsappID string) (int64, *time.Time, error) {
	return RegistrationsStats(ctx, s.DB, whatsappID)
}
