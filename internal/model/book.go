package model

import "time"

// CheckMarkPolicy selects the consequence applied when a registration reaches
// the book's check-mark cap. The hall's rulebooks describe this inconsistently,
// so it is configuration, not code.
type CheckMarkPolicy string

const (
	// PolicyRollOff expires the registration; the member re-signs at the back.
	PolicyRollOff CheckMarkPolicy = "roll_off"
	// PolicyBlock keeps the registration on book but blocks further dispatch
	// until a mark ages off or is consumed.
	PolicyBlock CheckMarkPolicy = "block"
)

// ReferralBook is the configuration for one referral queue: a classification
// and region pair with its tiers and dispatch rules. Exactly one active row
// exists per (classification, region).
type ReferralBook struct {
	Code               string `gorm:"primaryKey;size:64"`
	Classification     string `gorm:"size:128;not null;uniqueIndex:idx_class_region"`
	Region             string `gorm:"size:128;not null;uniqueIndex:idx_class_region"`
	BookType           string `gorm:"size:32;not null"` // processing-order key (wire, stock, residential, tradeshow)
	ContractCode       string `gorm:"size:64"`          // empty for multi-classification books
	Tiers              int    `gorm:"not null"`
	ResignIntervalDays int    `gorm:"not null"`
	MaxCheckMarks      int    `gorm:"not null"`
	CheckMarkPolicy    CheckMarkPolicy `gorm:"size:16;not null"`
	Agreements         []string        `gorm:"serializer:json"` // agreement types this book's classification permits
	ShortCallDays      int             `gorm:"not null"`        // jobs at or under this length restore queue position
	LayoffCheckMark    bool            `gorm:"not null"`        // issue a mark on layoff within the short-call window
	BlackoutDays       int             `gorm:"not null"`        // blackout length after quit/discharge
	// No column default: GORM would drop a zero-value Active from the INSERT
	// and a book seeded inactive would come back active.
	Active             bool            `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PermitsAgreement reports whether the book's classification may work under
// the given agreement type. An empty list permits everything.
func (b *ReferralBook) PermitsAgreement(agreement string) bool {
	if len(b.Agreements) == 0 {
		return true
	}
	for _, a := range b.Agreements {
		if a == agreement {
			return true
		}
	}
	return false
}
