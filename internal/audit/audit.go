package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"referral-dispatch-backend/internal/model"
)

// Event describes one auditable mutation: a ledger change or a dispatch
// state transition.
type Event struct {
	Type       string
	EntityType string
	EntityID   string
	Before     any
	After      any
	Actor      string
	At         time.Time
}

// Writer persists audit events. Failures must never roll back the business
// mutation that produced the event; callers queue and retry instead.
type Writer interface {
	Record(ctx context.Context, ev Event) error
}

// GormWriter writes audit events to the audit_events table.
type GormWriter struct {
	db *gorm.DB
}

// NewGormWriter creates a database-backed audit writer.
func NewGormWriter(db *gorm.DB) *GormWriter {
	return &GormWriter{db: db}
}

// Record persists a single event.
func (w *GormWriter) Record(ctx context.Context, ev Event) error {
	row := model.AuditEvent{
		EventType:  ev.Type,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Before:     marshal(ev.Before),
		After:      marshal(ev.After),
		Actor:      ev.Actor,
		OccurredAt: ev.At,
	}
	return w.db.WithContext(ctx).Create(&row).Error
}

func marshal(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
