package model

import "time"

// JobBidStatus tracks a member-initiated bid through the bidding window.
type JobBidStatus string

const (
	BidPending   JobBidStatus = "pending"
	BidAccepted  JobBidStatus = "accepted"
	BidRejected  JobBidStatus = "rejected"
	BidWithdrawn JobBidStatus = "withdrawn"
)

// Bid rejection reasons surfaced to members.
const (
	BidReasonOutranked  = "OutrankedByPriority"
	BidReasonIneligible = "Ineligible"
)

// JobBid declares a member's intent to take a specific labor request. Bidding
// never bypasses APN priority; it only directs the member at one request.
type JobBid struct {
	ID             string       `gorm:"primaryKey;size:36"`
	RegistrationID int64        `gorm:"index;not null"`
	MemberID       int64        `gorm:"index;not null"`
	LaborRequestID int64        `gorm:"index;not null"`
	SubmittedAt    time.Time    `gorm:"not null"`
	Status         JobBidStatus `gorm:"size:16;not null;index"`
	RejectReason   string       `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Associations
	Registration Registration `gorm:"foreignKey:RegistrationID"`
	LaborRequest LaborRequest `gorm:"foreignKey:LaborRequestID"`
}
