// Package domain defines the persistence models for registrations and their
// dispatch jobs. These types are mapped with GORM and are shared across the
// repository, service, and dispatch layers.
package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a registration.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// MaxNotesRunes caps the stored length of Registration.Notes.
const MaxNotesRunes = 500

// IsTerminal reports whether s is success or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Predecessors returns the statuses a record may move out of to reach s.
// Pending has no predecessor: nothing ever moves back to it.
//
// A terminal status may be reached straight from pending because the worker
// can report an outcome before the dispatcher records its hand-off.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusProcessing:
		return []Status{StatusPending}
	case StatusSuccess, StatusFailed:
		return []Status{StatusPending, StatusProcessing}
	}
	return nil
}

// CanTransition reports whether a record in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, p := range to.Predecessors() {
		if p == from {
			return true
		}
	}
	return false
}

// Registration tracks one queue-slot request from intake to its terminal
// outcome.
//
// Fields:
//   - ID: auto-increment primary key, never reused.
//   - WhatsappID: chat identity of the requester (indexed, not unique).
//   - Name: optional display name.
//   - NIK: 16-digit national id.
//   - BranchCode: upper-cased branch token (indexed).
//   - DateRequested: calendar date in YYYY-MM-DD form, passed through as-is.
//   - Status: lifecycle state (indexed).
//   - QueueNumber: slot number, set only on success.
//   - Notes: human-readable outcome or error detail (<= 500 runes).
type Registration struct {
	ID            uint      `json:"id"             gorm:"primaryKey;autoIncrement"`
	WhatsappID    string    `json:"whatsapp_id"    gorm:"type:varchar(15);not null;index"`
	Name          *string   `json:"name,omitempty" gorm:"type:varchar(255)"`
	NIK           string    `json:"nik"            gorm:"type:varchar(16);not null"`
	BranchCode    string    `json:"branch_code"    gorm:"type:varchar(20);not null;index"`
	DateRequested string    `json:"date_requested" gorm:"type:varchar(10);not null"`
	Status        Status    `json:"status"         gorm:"type:varchar(16);not null;default:'pending';index;check:status IN ('pending','processing','success','failed')"`
	QueueNumber   *string   `json:"queue_number,omitempty" gorm:"type:varchar(64)"`
	Notes         string    `json:"notes,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Registration.
func (Registration) TableName() string { return "registrations" }

// DispatchJob is the durable queue entry meaning "send this registration to
// the automation worker". At most one job exists per registration; the row is
// deleted once the worker accepts or the retry budget is spent.
//
// ClaimedBy and LeaseUntil implement lease-based consumption: a job is
// eligible when NextEligibleAt has passed and no live lease is held.
type DispatchJob struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	RegistrationID uint       `gorm:"not null;uniqueIndex:ux_dispatch_registration"`
	Attempt        int        `gorm:"not null;default:0"`
	NextEligibleAt time.Time  `gorm:"not null;index:idx_dispatch_eligible"`
	ClaimedBy      string     `gorm:"type:varchar(64);not null;default:''"`
	LeaseUntil     *time.Time `gorm:"index"`
	LastError      string     `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the database table name for DispatchJob.
func (DispatchJob) TableName() string { return "dispatch_jobs" }

// DispatchFailedNotesPrefix starts the notes written when dispatch gives up.
// Those notes carry transport detail and stay internal to the record.
const DispatchFailedNotesPrefix = "dispatch failed"

// IsDispatchFailure reports whether notes were written by the dispatcher
// giving up rather than reported by the worker.
func IsDispatchFailure(notes string) bool {
	return strings.HasPrefix(notes, DispatchFailedNotesPrefix)
}

// TruncateNotes clips s to MaxNotesRunes runes.
func TruncateNotes(s string) string {
	r := []rune(s)
	if len(r) <= MaxNotesRunes {
		return s
	}
	return string(r[:MaxNotesRunes])
}
