package model

import "time"

// DispatchStatus is a state in the dispatch lifecycle. CLOSED and CANCELLED
// are terminal and immutable; NO_SHOW is terminal too, reached only after an
// offer was made.
type DispatchStatus string

const (
	DispatchOffered   DispatchStatus = "OFFERED"
	DispatchAccepted  DispatchStatus = "ACCEPTED"
	DispatchCheckedIn DispatchStatus = "CHECKED_IN"
	DispatchWorking   DispatchStatus = "WORKING"
	DispatchClosed    DispatchStatus = "CLOSED"
	DispatchCancelled DispatchStatus = "CANCELLED"
	DispatchNoShow    DispatchStatus = "NO_SHOW"
)

// Terminal reports whether the status admits no further transitions.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchClosed || s == DispatchCancelled || s == DispatchNoShow
}

// DispatchOutcome records how a closed dispatch ended.
type DispatchOutcome string

const (
	OutcomeCompleted  DispatchOutcome = "completed"
	OutcomeLaidOff    DispatchOutcome = "laid_off"
	OutcomeQuit       DispatchOutcome = "quit"
	OutcomeDischarged DispatchOutcome = "discharged"
	OutcomeNoShow     DispatchOutcome = "no_show"
	OutcomeDeclined   DispatchOutcome = "declined"
)

// Dispatch is the result of a successful match. It exclusively owns its
// outcome record; the registration only holds a lookup pointer back.
type Dispatch struct {
	ID             string  `gorm:"primaryKey;size:36"`
	RegistrationID int64   `gorm:"index;not null"`
	MemberID       int64   `gorm:"index;not null"`
	LaborRequestID int64   `gorm:"index;not null"`
	BidID          *string `gorm:"size:36"` // nil when matched by queue walk
	Status         DispatchStatus  `gorm:"size:16;not null;index"`
	Outcome        DispatchOutcome `gorm:"size:16"`
	OfferedAt      time.Time       `gorm:"not null"`
	RespondBy      time.Time       `gorm:"not null"` // offer auto-cancels past this
	AcceptedAt     *time.Time
	CheckedInAt    *time.Time
	WorkingAt      *time.Time
	ClosedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Associations
	Registration Registration `gorm:"foreignKey:RegistrationID"`
	LaborRequest LaborRequest `gorm:"foreignKey:LaborRequestID"`
}

// JobLength returns how long the member was on the job, from acceptance to
// close. Zero when the dispatch never reached acceptance.
func (d *Dispatch) JobLength() time.Duration {
	if d.AcceptedAt == nil || d.ClosedAt == nil {
		return 0
	}
	return d.ClosedAt.Sub(*d.AcceptedAt)
}
