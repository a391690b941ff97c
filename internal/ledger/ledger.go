package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/apn"
	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/model"
	"referral-dispatch-backend/internal/notify"
)

var (
	// ErrDuplicateActiveRegistration is returned when a member already holds
	// an active registration on the same (book, tier).
	ErrDuplicateActiveRegistration = errors.New("duplicate active registration")
	// ErrRegistrationNotFound is returned for lookups of unknown registrations.
	ErrRegistrationNotFound = errors.New("registration not found")
	// ErrConcurrencyConflict is returned when two matching runs race for the
	// same registration; the loser retries against refreshed queue state.
	ErrConcurrencyConflict = errors.New("registration already claimed by a concurrent run")
)

// Check-mark reasons issued by the ledger.
const (
	MarkReasonNoShow      = "no_show"
	MarkReasonShortLayoff = "short_layoff"
	MarkReasonDeclined    = "declined_dispatch"
)

// Outcome carries the facts the ledger needs to apply the side effects of a
// finished dispatch.
type Outcome struct {
	Outcome    model.DispatchOutcome
	JobLength  time.Duration
	EmployerID int64
	Foreperson string
	AsOf       time.Time
}

// Ledger defines the registration operations the rest of the engine consumes.
// Only the ledger mutates registration rows.
type Ledger interface {
	Register(ctx context.Context, memberID int64, book *model.ReferralBook, tier int, effectiveDate time.Time) (*model.Registration, error)
	ListEligibleQueue(ctx context.Context, bookCode string, tier int, asOf time.Time) ([]model.Registration, error)
	Advance(ctx context.Context, registrationID int64, out Outcome) error
	Expire(ctx context.Context, registrationID int64, asOf time.Time) error
	Withdraw(ctx context.Context, registrationID int64, asOf time.Time) error
	ClaimForDispatch(ctx context.Context, registrationID int64, dispatchID string) error
	Release(ctx context.Context, registrationID int64) error
	Get(ctx context.Context, registrationID int64) (*model.Registration, error)
	History(ctx context.Context, memberID int64) ([]HistoryEvent, error)
}

// HistoryEvent is one entry in a member's registration/dispatch timeline,
// consumed by compliance and grievance reporting.
type HistoryEvent struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"` // registration, dispatch
	Detail string    `json:"detail"`
	Book   string    `json:"book"`
	APN    string    `json:"apn,omitempty"`
	Status string    `json:"status"`
}

// gormLedger implements Ledger using GORM.
type gormLedger struct {
	db       *gorm.DB
	audit    audit.Writer
	notifier notify.Notifier
	logger   *zap.SugaredLogger
}

// NewGormLedger creates a GORM-backed registration ledger.
func NewGormLedger(db *gorm.DB, aw audit.Writer, n notify.Notifier, logger *zap.SugaredLogger) Ledger {
	return &gormLedger{db: db, audit: aw, notifier: n, logger: logger}
}

// Register computes a new APN from the effective date plus a monotonically
// increasing intra-day sequence and creates the registration. The sequence is
// derived from the highest APN already issued for the book on that day, so
// same-day registrations are totally ordered.
func (l *gormLedger) Register(ctx context.Context, memberID int64, book *model.ReferralBook, tier int, effectiveDate time.Time) (*model.Registration, error) {
	if tier < 1 || tier > book.Tiers {
		return nil, fmt.Errorf("tier %d out of range for book %s", tier, book.Code)
	}

	var reg *model.Registration
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Registration
		err := tx.Where("member_id = ? AND book_code = ? AND tier = ? AND status IN ?",
			memberID, book.Code, tier, onBookStatuses()).First(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: member %d on %s tier %d", ErrDuplicateActiveRegistration, memberID, book.Code, tier)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		seq, err := l.nextDailySequence(tx, book.Code, effectiveDate)
		if err != nil {
			return err
		}
		number, err := apn.New(effectiveDate, seq)
		if err != nil {
			return err
		}

		reg = &model.Registration{
			MemberID:     memberID,
			BookCode:     book.Code,
			Tier:         tier,
			APN:          number,
			Status:       model.RegistrationActive,
			RegisteredAt: effectiveDate,
			LastResignAt: effectiveDate,
			ResignDueAt:  effectiveDate.AddDate(0, 0, book.ResignIntervalDays),
		}
		return tx.Create(reg).Error
	})
	if err != nil {
		return nil, err
	}

	l.record(ctx, "registration.created", reg.ID, nil, reg, effectiveDate)
	return reg, nil
}

// nextDailySequence returns the next intra-day sequence for the book on the
// effective date, scanning the highest APN issued within that day's serial.
func (l *gormLedger) nextDailySequence(tx *gorm.DB, bookCode string, effectiveDate time.Time) (int, error) {
	serial := apn.DateSerial(effectiveDate)
	var last model.Registration
	err := tx.Where("book_code = ? AND apn >= ? AND apn < ?", bookCode, serial, serial+1).
		Order("apn DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last.APN.Sequence() + 1, nil
}

// ListEligibleQueue returns active registrations for the (book, tier) in
// ascending APN order, id as the deterministic tiebreak. Check marks,
// exemptions and blackouts are preloaded so the eligibility guard can run
// side-effect-free over the slice.
func (l *gormLedger) ListEligibleQueue(ctx context.Context, bookCode string, tier int, asOf time.Time) ([]model.Registration, error) {
	var regs []model.Registration
	err := l.db.WithContext(ctx).
		Preload("CheckMarks", "consumed = ?", false).
		Preload("Exemptions").
		Preload("Blackouts", "end_date > ?", asOf).
		Where("book_code = ? AND tier = ? AND status = ?", bookCode, tier, model.RegistrationActive).
		Order("apn ASC").Order("id ASC").
		Find(&regs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible queue for %s tier %d: %w", bookCode, tier, err)
	}
	return regs, nil
}

// Advance applies the side effects of a completed or terminated dispatch.
// Short calls restore the member's queue position; everything else rolls the
// registration off the book, with check marks and cap policy applied per the
// book configuration.
func (l *gormLedger) Advance(ctx context.Context, registrationID int64, out Outcome) error {
	reg, err := l.loadWithBook(ctx, registrationID)
	if err != nil {
		return err
	}
	before := *reg
	book := &reg.Book

	switch out.Outcome {
	case model.OutcomeNoShow, model.OutcomeDeclined:
		reason := MarkReasonNoShow
		if out.Outcome == model.OutcomeDeclined {
			reason = MarkReasonDeclined
		}
		if err := l.issueCheckMark(ctx, reg, book, reason, out.AsOf); err != nil {
			return err
		}
		// Registration stays in the queue unless the cap policy rolled it off.
		if reg.Status != model.RegistrationExpired {
			return l.restore(ctx, reg, before, out.AsOf)
		}
		return nil

	case model.OutcomeLaidOff:
		shortCall := out.JobLength <= time.Duration(book.ShortCallDays)*24*time.Hour
		if shortCall {
			if book.LayoffCheckMark {
				if err := l.issueCheckMark(ctx, reg, book, MarkReasonShortLayoff, out.AsOf); err != nil {
					return err
				}
			}
			if reg.Status != model.RegistrationExpired {
				return l.restore(ctx, reg, before, out.AsOf)
			}
			return nil
		}
		return l.rollOff(ctx, reg, before, out.AsOf)

	case model.OutcomeQuit, model.OutcomeDischarged:
		blackout := model.BlackoutPeriod{
			RegistrationID: reg.ID,
			MemberID:       reg.MemberID,
			EmployerID:     &out.EmployerID,
			Foreperson:     out.Foreperson,
			Reason:         string(out.Outcome),
			Scope:          model.BlackoutForeperson,
			StartDate:      out.AsOf,
			EndDate:        out.AsOf.AddDate(0, 0, book.BlackoutDays),
		}
		if err := l.db.WithContext(ctx).Create(&blackout).Error; err != nil {
			return fmt.Errorf("failed to create blackout for registration %d: %w", reg.ID, err)
		}
		l.record(ctx, "blackout.created", reg.ID, nil, blackout, out.AsOf)
		return l.rollOff(ctx, reg, before, out.AsOf)

	case model.OutcomeCompleted:
		return l.rollOff(ctx, reg, before, out.AsOf)
	}
	return fmt.Errorf("unknown dispatch outcome %q", out.Outcome)
}

// issueCheckMark attaches a mark and applies the book's cap policy when the
// registration reaches max_check_marks.
func (l *gormLedger) issueCheckMark(ctx context.Context, reg *model.Registration, book *model.ReferralBook, reason string, asOf time.Time) error {
	if reg.ActiveExemption(asOf) != nil {
		l.logger.Infow("check mark suppressed by exemption", "registration_id", reg.ID, "reason", reason)
		return nil
	}

	mark := model.CheckMark{RegistrationID: reg.ID, Reason: reason, IssuedAt: asOf}
	if err := l.db.WithContext(ctx).Create(&mark).Error; err != nil {
		return fmt.Errorf("failed to issue check mark for registration %d: %w", reg.ID, err)
	}
	reg.CheckMarks = append(reg.CheckMarks, mark)
	l.record(ctx, "check_mark.issued", reg.ID, nil, mark, asOf)
	l.notifier.Notify(ctx, reg.MemberID, notify.EventCheckMarkIssued, map[string]any{
		"registration_id": reg.ID,
		"reason":          reason,
		"live_marks":      reg.LiveCheckMarks(),
	})

	if reg.LiveCheckMarks() < book.MaxCheckMarks {
		return nil
	}

	switch book.CheckMarkPolicy {
	case model.PolicyRollOff:
		// The mark that reaches the cap rolls the member off; marks are
		// consumed so a fresh registration starts clean.
		if err := l.db.WithContext(ctx).Model(&model.CheckMark{}).
			Where("registration_id = ? AND consumed = ?", reg.ID, false).
			Update("consumed", true).Error; err != nil {
			return err
		}
		before := *reg
		return l.rollOff(ctx, reg, before, asOf)
	case model.PolicyBlock:
		// Nothing to mutate: the eligibility guard blocks dispatch while the
		// registration sits at the cap.
		l.logger.Infow("registration at check-mark cap, dispatch blocked", "registration_id", reg.ID)
		return nil
	}
	return fmt.Errorf("unknown check-mark policy %q on book %s", book.CheckMarkPolicy, book.Code)
}

// restore puts a registration back in the queue at its existing APN.
func (l *gormLedger) restore(ctx context.Context, reg *model.Registration, before model.Registration, asOf time.Time) error {
	err := l.db.WithContext(ctx).Model(reg).
		Updates(map[string]any{"status": model.RegistrationActive, "current_dispatch_id": nil}).Error
	if err != nil {
		return err
	}
	reg.Status = model.RegistrationActive
	reg.CurrentDispatchID = nil
	l.record(ctx, "registration.restored", reg.ID, before, reg, asOf)
	return nil
}

// rollOff removes the registration from the queue; the member re-signs at the
// back with a new APN.
func (l *gormLedger) rollOff(ctx context.Context, reg *model.Registration, before model.Registration, asOf time.Time) error {
	err := l.db.WithContext(ctx).Model(reg).
		Updates(map[string]any{"status": model.RegistrationExpired, "current_dispatch_id": nil}).Error
	if err != nil {
		return err
	}
	reg.Status = model.RegistrationExpired
	reg.CurrentDispatchID = nil
	l.record(ctx, "registration.rolled_off", reg.ID, before, reg, asOf)
	return nil
}

// Expire transitions an overdue registration to expired. Only the re-sign
// scheduler calls this; registrations mid-dispatch are never expired here
// because the status guard only matches active rows.
func (l *gormLedger) Expire(ctx context.Context, registrationID int64, asOf time.Time) error {
	res := l.db.WithContext(ctx).Model(&model.Registration{}).
		Where("id = ? AND status = ?", registrationID, model.RegistrationActive).
		Update("status", model.RegistrationExpired)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d not active", ErrRegistrationNotFound, registrationID)
	}
	l.record(ctx, "registration.expired", registrationID, nil, map[string]any{"status": model.RegistrationExpired}, asOf)
	return nil
}

// Withdraw removes a registration at the member's request.
func (l *gormLedger) Withdraw(ctx context.Context, registrationID int64, asOf time.Time) error {
	res := l.db.WithContext(ctx).Model(&model.Registration{}).
		Where("id = ? AND status = ?", registrationID, model.RegistrationActive).
		Update("status", model.RegistrationWithdrawn)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d not active", ErrRegistrationNotFound, registrationID)
	}
	l.record(ctx, "registration.withdrawn", registrationID, nil, map[string]any{"status": model.RegistrationWithdrawn}, asOf)
	return nil
}

// ClaimForDispatch marks the registration dispatched and records the
// non-owning current-dispatch pointer. The status guard in the WHERE clause
// is the single-writer invariant: a second run claiming the same registration
// matches zero rows and loses.
func (l *gormLedger) ClaimForDispatch(ctx context.Context, registrationID int64, dispatchID string) error {
	res := l.db.WithContext(ctx).Model(&model.Registration{}).
		Where("id = ? AND status = ?", registrationID, model.RegistrationActive).
		Updates(map[string]any{"status": model.RegistrationDispatched, "current_dispatch_id": dispatchID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: registration %d", ErrConcurrencyConflict, registrationID)
	}
	l.record(ctx, "registration.dispatched", registrationID, nil,
		map[string]any{"dispatch_id": dispatchID}, time.Now().UTC())
	return nil
}

// Release returns a dispatched registration to the queue without penalty,
// used when an offer expires or is cancelled.
func (l *gormLedger) Release(ctx context.Context, registrationID int64) error {
	res := l.db.WithContext(ctx).Model(&model.Registration{}).
		Where("id = ? AND status = ?", registrationID, model.RegistrationDispatched).
		Updates(map[string]any{"status": model.RegistrationActive, "current_dispatch_id": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d not dispatched", ErrRegistrationNotFound, registrationID)
	}
	l.record(ctx, "registration.released", registrationID, nil,
		map[string]any{"status": model.RegistrationActive}, time.Now().UTC())
	return nil
}

// Get loads a registration with its book and penalty records.
func (l *gormLedger) Get(ctx context.Context, registrationID int64) (*model.Registration, error) {
	return l.loadWithBook(ctx, registrationID)
}

// History returns the member's registration and dispatch timeline, oldest
// first.
func (l *gormLedger) History(ctx context.Context, memberID int64) ([]HistoryEvent, error) {
	var regs []model.Registration
	if err := l.db.WithContext(ctx).Where("member_id = ?", memberID).Find(&regs).Error; err != nil {
		return nil, err
	}
	var dispatches []model.Dispatch
	if err := l.db.WithContext(ctx).Preload("Registration").
		Where("member_id = ?", memberID).Find(&dispatches).Error; err != nil {
		return nil, err
	}

	events := make([]HistoryEvent, 0, len(regs)+len(dispatches))
	for _, r := range regs {
		events = append(events, HistoryEvent{
			At:     r.RegisteredAt,
			Kind:   "registration",
			Detail: fmt.Sprintf("registered tier %d", r.Tier),
			Book:   r.BookCode,
			APN:    r.APN.String(),
			Status: string(r.Status),
		})
	}
	for _, d := range dispatches {
		detail := fmt.Sprintf("dispatch to request %d", d.LaborRequestID)
		if d.Outcome != "" {
			detail = fmt.Sprintf("%s (%s)", detail, d.Outcome)
		}
		events = append(events, HistoryEvent{
			At:     d.OfferedAt,
			Kind:   "dispatch",
			Detail: detail,
			Book:   d.Registration.BookCode,
			Status: string(d.Status),
		})
	}
	sortHistory(events)
	return events, nil
}

func (l *gormLedger) loadWithBook(ctx context.Context, registrationID int64) (*model.Registration, error) {
	var reg model.Registration
	err := l.db.WithContext(ctx).
		Preload("Book").
		Preload("CheckMarks", "consumed = ?", false).
		Preload("Exemptions").
		First(&reg, registrationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrRegistrationNotFound, registrationID)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// record queues an audit event; audit failures never fail the mutation.
func (l *gormLedger) record(ctx context.Context, eventType string, registrationID int64, before, after any, at time.Time) {
	err := l.audit.Record(ctx, audit.Event{
		Type:       eventType,
		EntityType: "registration",
		EntityID:   fmt.Sprintf("%d", registrationID),
		Before:     before,
		After:      after,
		Actor:      "engine",
		At:         at,
	})
	if err != nil {
		l.logger.Errorw("audit write failed", "event", eventType, "registration_id", registrationID, "error", err)
	}
}

func onBookStatuses() []model.RegistrationStatus {
	return []model.RegistrationStatus{
		model.RegistrationActive,
		model.RegistrationDispatched,
	}
}

func sortHistory(events []HistoryEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
}
