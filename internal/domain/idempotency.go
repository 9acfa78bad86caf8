package domain

import "time"

// Idempotency records the registration produced by a previously processed
// submit request, keyed by (scope, key). Replaying the same Idempotency-Key
// returns the original registration instead of creating a second one.
type Idempotency struct {
	ID             string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Scope          string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_key,priority:1"`
	Key            string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_scope_key,priority:2"`
	RegistrationID uint      `gorm:"type:INTEGER NOT NULL"`
	Status         int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt      time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
