package model

import "time"

// LaborRequestStatus is the fill state of an employer's request.
type LaborRequestStatus string

const (
	RequestOpen            LaborRequestStatus = "open"
	RequestPartiallyFilled LaborRequestStatus = "partially_filled"
	RequestFilled          LaborRequestStatus = "filled"
	RequestExpired         LaborRequestStatus = "expired"
)

// LaborRequest is an employer's open need against one (book, tier) queue.
// Requests submitted before the 3 PM cutoff qualify for the next morning's
// processing run; later submissions wait a further day.
type LaborRequest struct {
	ID            int64  `gorm:"primaryKey"`
	EmployerID    int64  `gorm:"index;not null"`
	Foreperson    string `gorm:"size:128"`
	BookCode      string `gorm:"size:64;index;not null"`
	AgreementType string `gorm:"size:32;not null"` // PLA, CWA, TERO, ...
	Headcount     int    `gorm:"not null"`
	Filled        int    `gorm:"not null;default:0"`
	SubmittedAt   time.Time `gorm:"not null"`
	// ProcessDate is the first morning run this request participates in.
	ProcessDate time.Time `gorm:"type:date;not null;index"`
	// OrderRank is the request's fixed slot in the morning processing order,
	// derived from the versioned order configuration at submission time.
	OrderRank    int                `gorm:"not null"`
	OrderVersion int                `gorm:"not null"`
	Status       LaborRequestStatus `gorm:"size:24;not null;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Associations
	Book ReferralBook `gorm:"foreignKey:BookCode;references:Code"`
}

// Remaining returns the unfilled headcount.
func (r *LaborRequest) Remaining() int {
	if n := r.Headcount - r.Filled; n > 0 {
		return n
	}
	return 0
}
