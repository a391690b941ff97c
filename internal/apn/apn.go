package apn

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by an APN.
// The integer part is the registration date serial, the fraction is the
// intra-day registration sequence (0.0001 per slot).
const Precision = 4

// epoch is the day-serial origin. Serial 1 = 1899-12-31, which keeps the
// serials in the range the hall's legacy records use (e.g. 45678 ≈ mid-2025).
var epoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var seqStep = decimal.New(1, -Precision)

// MaxDailySequence is the highest intra-day sequence an APN can encode.
const MaxDailySequence = 9999

// APN is an Applicant Priority Number: a fixed-point decimal combining the
// registration date with a same-day ordering fraction. Lower means higher
// dispatch priority. APNs are immutable once issued.
type APN struct {
	d decimal.Decimal
}

// New builds an APN for a registration taking effect on effectiveDate as the
// seq-th registration of that day (seq starts at 1).
func New(effectiveDate time.Time, seq int) (APN, error) {
	if seq < 1 || seq > MaxDailySequence {
		return APN{}, fmt.Errorf("intra-day sequence %d out of range [1,%d]", seq, MaxDailySequence)
	}
	serial := DateSerial(effectiveDate)
	d := decimal.NewFromInt(serial).Add(seqStep.Mul(decimal.NewFromInt(int64(seq))))
	return APN{d: d}, nil
}

// DateSerial returns the day-serial number for t (date component only).
func DateSerial(t time.Time) int64 {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int64(day.Sub(epoch).Hours() / 24)
}

// Parse reads an APN from its stored decimal string form.
func Parse(s string) (APN, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return APN{}, fmt.Errorf("invalid APN %q: %w", s, err)
	}
	return APN{d: d.Truncate(Precision)}, nil
}

// Sequence extracts the intra-day sequence encoded in the fraction.
func (a APN) Sequence() int {
	frac := a.d.Sub(a.d.Floor())
	return int(frac.Mul(decimal.New(1, Precision)).IntPart())
}

// Serial extracts the date-serial integer part.
func (a APN) Serial() int64 {
	return a.d.Floor().IntPart()
}

// Less reports whether a sorts before b (higher priority).
func (a APN) Less(b APN) bool {
	return a.d.Cmp(b.d) < 0
}

// Cmp compares two APNs: -1 if a < b, 0 if equal, 1 if a > b.
func (a APN) Cmp(b APN) int {
	return a.d.Cmp(b.d)
}

// IsZero reports whether the APN has never been assigned.
func (a APN) IsZero() bool {
	return a.d.IsZero()
}

// String renders the APN with its full fixed precision, e.g. "45678.0010".
func (a APN) String() string {
	return a.d.StringFixed(Precision)
}

// Decimal exposes the underlying fixed-point value.
func (a APN) Decimal() decimal.Decimal {
	return a.d
}

// Value implements driver.Valuer so an APN persists as an exact decimal.
func (a APN) Value() (driver.Value, error) {
	return a.d.Value()
}

// Scan implements sql.Scanner.
func (a *APN) Scan(v any) error {
	if err := a.d.Scan(v); err != nil {
		return err
	}
	a.d = a.d.Truncate(Precision)
	return nil
}
