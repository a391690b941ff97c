package model

import (
	"time"

	"referral-dispatch-backend/internal/apn"
)

// RegistrationStatus is a registration's standing on its book.
type RegistrationStatus string

const (
	RegistrationActive     RegistrationStatus = "active"
	RegistrationDispatched RegistrationStatus = "dispatched"
	RegistrationExpired    RegistrationStatus = "expired"
	RegistrationWithdrawn  RegistrationStatus = "withdrawn"
)

// OnBook reports whether the registration still occupies a queue slot.
// Blackouts and exemptions are separate records attached to an active
// registration, not statuses.
func (s RegistrationStatus) OnBook() bool {
	return s == RegistrationActive || s == RegistrationDispatched
}

// Registration is a member's standing on one (book, tier) queue. The APN is
// immutable for the life of the registration; re-registering after a roll-off
// creates a new row with a new APN.
type Registration struct {
	ID           int64              `gorm:"primaryKey"`
	// The one-on-book-slot-per-(member, book, tier) unique index is partial
	// and created in db.Migrate; GORM index tags cannot carry its predicate.
	MemberID     int64              `gorm:"index;not null"`
	BookCode     string             `gorm:"size:64;index;not null"`
	Tier         int                `gorm:"not null"`
	APN          apn.APN            `gorm:"type:decimal(12,4);not null;index"`
	Status       RegistrationStatus `gorm:"size:16;not null;index"`
	RegisteredAt time.Time          `gorm:"not null"`
	LastResignAt time.Time          `gorm:"not null"`
	ResignDueAt  time.Time          `gorm:"not null;index"`
	// CurrentDispatchID is a non-owning lookup pointer; the Dispatch row owns
	// the relationship.
	CurrentDispatchID *string `gorm:"size:36"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Associations
	Book       ReferralBook     `gorm:"foreignKey:BookCode;references:Code"`
	CheckMarks []CheckMark      `gorm:"foreignKey:RegistrationID"`
	Exemptions []Exemption      `gorm:"foreignKey:RegistrationID"`
	Blackouts  []BlackoutPeriod `gorm:"foreignKey:RegistrationID"`
}

// LiveCheckMarks counts unconsumed check marks.
func (r *Registration) LiveCheckMarks() int {
	n := 0
	for _, cm := range r.CheckMarks {
		if !cm.Consumed {
			n++
		}
	}
	return n
}

// ActiveExemption returns the exemption covering asOf, if any.
func (r *Registration) ActiveExemption(asOf time.Time) *Exemption {
	for i := range r.Exemptions {
		if r.Exemptions[i].ActiveAt(asOf) {
			return &r.Exemptions[i]
		}
	}
	return nil
}

// CheckMark is a penalty unit attached to a registration for an unfavorable
// dispatch outcome (declined offer, no-show, short layoff per book rule).
type CheckMark struct {
	ID             int64     `gorm:"primaryKey"`
	RegistrationID int64     `gorm:"index;not null"`
	Reason         string    `gorm:"size:64;not null"`
	IssuedAt       time.Time `gorm:"not null"`
	Consumed       bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time
}

// Exemption suspends re-sign and check-mark obligations for a bounded period
// (military, medical, union business, jury duty). EndDate nil = indefinite.
type Exemption struct {
	ID             int64      `gorm:"primaryKey"`
	RegistrationID int64      `gorm:"index;not null"`
	Type           string     `gorm:"size:32;not null"`
	StartDate      time.Time  `gorm:"not null"`
	EndDate        *time.Time
	Approver       string `gorm:"size:128"`
	CreatedAt      time.Time
}

// ActiveAt reports whether the exemption covers the given instant.
func (e *Exemption) ActiveAt(asOf time.Time) bool {
	if asOf.Before(e.StartDate) {
		return false
	}
	return e.EndDate == nil || asOf.Before(*e.EndDate)
}

// BlackoutScope distinguishes hall-wide restrictions from ones naming a
// specific employer/foreperson pair.
type BlackoutScope string

const (
	BlackoutGlobal     BlackoutScope = "global"
	BlackoutForeperson BlackoutScope = "foreperson"
)

// BlackoutPeriod is a time-bounded dispatch restriction. MemberID is recorded
// alongside RegistrationID so the restriction follows the member across a
// re-registration.
type BlackoutPeriod struct {
	ID             int64         `gorm:"primaryKey"`
	RegistrationID int64         `gorm:"index;not null"`
	MemberID       int64         `gorm:"index;not null"`
	EmployerID     *int64        `gorm:"index"`
	Foreperson     string        `gorm:"size:128"`
	Reason         string        `gorm:"size:32;not null"` // quit, discharge
	Scope          BlackoutScope `gorm:"size:16;not null"`
	StartDate      time.Time     `gorm:"not null"`
	EndDate        time.Time     `gorm:"not null"`
	CreatedAt      time.Time
}

// ActiveAt reports whether the blackout covers the given instant.
func (b *BlackoutPeriod) ActiveAt(asOf time.Time) bool {
	return !asOf.Before(b.StartDate) && asOf.Before(b.EndDate)
}

// AppliesTo reports whether the blackout restricts dispatch against the given
// employer/foreperson at asOf. Global blackouts restrict everything.
func (b *BlackoutPeriod) AppliesTo(employerID int64, foreperson string, asOf time.Time) bool {
	if !b.ActiveAt(asOf) {
		return false
	}
	if b.Scope == BlackoutGlobal {
		return true
	}
	if b.EmployerID == nil || *b.EmployerID != employerID {
		return false
	}
	return b.Foreperson == "" || b.Foreperson == foreperson
}
