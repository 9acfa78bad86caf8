// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable dispatch queue: one
// dispatch_jobs row per registration awaiting hand-off to the automation
// worker, consumed through short leases so that each job is held by exactly
// one consumer at a time.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

// ErrLeaseLost is returned when a consumer tries to settle a job whose lease
// it no longer holds (expired and re-claimed, or already settled).
var ErrLeaseLost = errors.New("dispatch job lease lost")

// claimAttempts bounds how often ClaimJob retries after losing a race for
// the same candidate row.
const claimAttempts = 5

// EnqueueJob inserts a job for registrationID that becomes eligible at
// eligibleAt. It returns ErrDuplicate when the registration already has a job.
func EnqueueJob(ctx context.Context, db *gorm.DB, registrationID uint, eligibleAt time.Time) (*domain.DispatchJob, error) {
	now := time.Now().UTC()
	j := &domain.DispatchJob{
		RegistrationID: registrationID,
		Attempt:        0,
		NextEligibleAt: eligibleAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return j, nil
}

// ClaimJob leases the oldest eligible job to consumer until now+lease.
// A job is eligible when next_eligible_at <= now and it holds no live lease.
// It returns ErrNotFound when nothing is eligible.
//
// The claim is an optimistic conditional UPDATE: when two consumers pick the
// same candidate, SQLite serializes the writes and only one sees a row
// affected; the loser retries with the next candidate.
func ClaimJob(ctx context.Context, db *gorm.DB, consumer string, now time.Time, lease time.Duration) (*domain.DispatchJob, error) {
	now = now.UTC()
	for i := 0; i < claimAttempts; i++ {
		var j domain.DispatchJob
		err := db.WithContext(ctx).
			Where("next_eligible_at <= ? AND (lease_until IS NULL OR lease_until <= ?)", now, now).
			Order("next_eligible_at asc, id asc").
			Take(&j).Error
		if err != nil {
			return nil, err
		}

		until := now.Add(lease)
		res := db.WithContext(ctx).
			Model(&domain.DispatchJob{}).
			Where("id = ? AND (lease_until IS NULL OR lease_until <= ?)", j.ID, now).
			Updates(map[string]any{
				"claimed_by":  consumer,
				"lease_until": until,
				"updated_at":  now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			j.ClaimedBy = consumer
			j.LeaseUntil = &until
			return &j, nil
		}
	}
	return nil, ErrNotFound
}

// RescheduleJob releases the lease held by consumer and makes the job
// eligible again at nextEligible with the given attempt count and error.
func RescheduleJob(ctx context.Context, db *gorm.DB, id uint, consumer string, attempt int, nextEligible time.Time, lastErr string) error {
	res := db.WithContext(ctx).
		Model(&domain.DispatchJob{}).
		Where("id = ? AND claimed_by = ?", id, consumer).
		Updates(map[string]any{
			"attempt":          attempt,
			"next_eligible_at": nextEligible.UTC(),
			"last_error":       lastErr,
			"claimed_by":       "",
			"lease_until":      gorm.Expr("NULL"),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeleteJob removes a job held by consumer. Consumed and discarded jobs are
// not kept.
func DeleteJob(ctx context.Context, db *gorm.DB, id uint, consumer string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND claimed_by = ?", id, consumer).
		Delete(&domain.DispatchJob{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CountJobs returns the number of queued (claimed or not) jobs.
func CountJobs(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DispatchJob{}).Count(&n).Error
	return n, err
}

// Jobs binds the dispatch queue functions to a DB handle.
type Jobs struct {
	DB *gorm.DB
}

// Enqueue proxies EnqueueJob.
func (s Jobs) Enqueue(ctx context.Context, registrationID uint, eligibleAt time.Time) error {
	_, err := EnqueueJob(ctx, s.DB, registrationID, eligibleAt)
	return err
}

// Claim proxies ClaimJob.
func (s Jobs) Claim(ctx context.Context, consumer string, now time.Time, lease time.Duration) (*domain.DispatchJob, error) {
	return ClaimJob(ctx, s.DB, consumer, now, lease)
}

// Reschedule proxies RescheduleJob.
func (s Jobs) Reschedule(ctx context.Context, id uint, consumer string, attempt int, nextEligible time.Time, lastErr string) error {
	return RescheduleJob(ctx, s.DB, id, consumer, attempt, nextEligible, lastErr)
}

// Delete proxies DeleteJob.
func (s Jobs) Delete(ctx context.Context, id uint, consumer string) error {
	return DeleteJob(ctx, s.DB, id, consumer)
}

// Count proxies CountJobs.
func (s Jobs) Count(ctx context.Context) (int64, error) {
	return CountJobs(ctx, s.DB)
}

// isUniqueViolation matches unique-constraint errors; glebarez/sqlite often
// returns them as plain text rather than gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
