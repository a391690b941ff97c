package model

import "time"

// AuditEvent is a durable record of a state transition or ledger mutation.
// Writes are queued and retried; losing an event is not acceptable, lagging
// is.
type AuditEvent struct {
	ID         int64     `gorm:"primaryKey"`
	EventType  string    `gorm:"size:64;not null;index"`
	EntityType string    `gorm:"size:32;not null"`
	EntityID   string    `gorm:"size:64;not null;index"`
	Before     string    `gorm:"type:text"`
	After      string    `gorm:"type:text"`
	Actor      string    `gorm:"size:128;not null"`
	OccurredAt time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}
