package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
	"referral-dispatch-backend/internal/notify"
)

var (
	// ErrInvalidTransition is a programming/ordering fault: a transition was
	// attempted from a terminal or incompatible state. Never swallowed.
	ErrInvalidTransition = errors.New("invalid dispatch transition")
	// ErrDispatchNotFound is returned for unknown dispatch ids.
	ErrDispatchNotFound = errors.New("dispatch not found")
)

// Machine drives the lifecycle of individual dispatches. It is the only
// component that mutates dispatch rows; queue side effects go through the
// registration ledger.
type Machine struct {
	db             *gorm.DB
	ledger         ledger.Ledger
	audit          audit.Writer
	notifier       notify.Notifier
	logger         *zap.SugaredLogger
	responseWindow time.Duration
}

// NewMachine creates a dispatch state machine.
func NewMachine(db *gorm.DB, l ledger.Ledger, aw audit.Writer, n notify.Notifier, logger *zap.SugaredLogger, responseWindow time.Duration) *Machine {
	return &Machine{
		db:             db,
		ledger:         l,
		audit:          aw,
		notifier:       n,
		logger:         logger,
		responseWindow: responseWindow,
	}
}

// Offer creates a dispatch in OFFERED state for a matched candidate and
// claims the registration. The claim is the single-writer check: if another
// run got there first this returns ledger.ErrConcurrencyConflict and no
// dispatch row is written.
func (m *Machine) Offer(ctx context.Context, reg *model.Registration, req *model.LaborRequest, bidID *string, asOf time.Time) (*model.Dispatch, error) {
	d := &model.Dispatch{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		MemberID:       reg.MemberID,
		LaborRequestID: req.ID,
		BidID:          bidID,
		Status:         model.DispatchOffered,
		OfferedAt:      asOf,
		RespondBy:      asOf.Add(m.responseWindow),
	}

	if err := m.ledger.ClaimForDispatch(ctx, reg.ID, d.ID); err != nil {
		return nil, err
	}
	if err := m.db.WithContext(ctx).Create(d).Error; err != nil {
		// Claim succeeded but the row write failed: release so the
		// registration is not stranded off-book.
		if relErr := m.ledger.Release(ctx, reg.ID); relErr != nil {
			m.logger.Errorw("failed to release registration after offer write failure",
				"registration_id", reg.ID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create dispatch: %w", err)
	}

	m.record(ctx, "dispatch.offered", d, nil, asOf)
	m.notifier.Notify(ctx, reg.MemberID, notify.EventDispatchOffer, map[string]any{
		"dispatch_id": d.ID,
		"request_id":  req.ID,
		"respond_by":  d.RespondBy,
	})
	return d, nil
}

// Accept records the member's confirmation of an offer. No side effects.
func (m *Machine) Accept(ctx context.Context, dispatchID string, asOf time.Time) error {
	return m.step(ctx, dispatchID, model.DispatchOffered, model.DispatchAccepted, asOf, func(d *model.Dispatch) map[string]any {
		return map[string]any{"status": model.DispatchAccepted, "accepted_at": asOf}
	})
}

// CheckIn records the member reporting to the job site.
func (m *Machine) CheckIn(ctx context.Context, dispatchID string, asOf time.Time) error {
	return m.step(ctx, dispatchID, model.DispatchAccepted, model.DispatchCheckedIn, asOf, func(d *model.Dispatch) map[string]any {
		return map[string]any{"status": model.DispatchCheckedIn, "checked_in_at": asOf}
	})
}

// Start records the beginning of work.
func (m *Machine) Start(ctx context.Context, dispatchID string, asOf time.Time) error {
	return m.step(ctx, dispatchID, model.DispatchCheckedIn, model.DispatchWorking, asOf, func(d *model.Dispatch) map[string]any {
		return map[string]any{"status": model.DispatchWorking, "working_at": asOf}
	})
}

// Close ends a WORKING dispatch with the given outcome and applies the queue
// side effects: quits and discharges trigger a foreperson-named blackout and
// roll-off, layoffs inside the short-call window restore the member's queue
// position, completions roll off cleanly.
func (m *Machine) Close(ctx context.Context, dispatchID string, outcome model.DispatchOutcome, asOf time.Time) error {
	switch outcome {
	case model.OutcomeCompleted, model.OutcomeLaidOff, model.OutcomeQuit, model.OutcomeDischarged:
	default:
		return fmt.Errorf("%w: close with outcome %q", ErrInvalidTransition, outcome)
	}

	d, err := m.load(ctx, dispatchID)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, d, model.DispatchWorking, model.DispatchClosed, map[string]any{
		"status": model.DispatchClosed, "outcome": outcome, "closed_at": asOf,
	}, asOf); err != nil {
		return err
	}

	closed := asOf
	d.ClosedAt = &closed
	return m.ledger.Advance(ctx, d.RegistrationID, ledger.Outcome{
		Outcome:    outcome,
		JobLength:  d.JobLength(),
		EmployerID: d.LaborRequest.EmployerID,
		Foreperson: d.LaborRequest.Foreperson,
		AsOf:       asOf,
	})
}

// NoShow terminates an offered or accepted dispatch after the member failed
// to appear. Unlike Cancel this is a post-offer failure and carries a check
// mark.
func (m *Machine) NoShow(ctx context.Context, dispatchID string, asOf time.Time) error {
	d, err := m.load(ctx, dispatchID)
	if err != nil {
		return err
	}
	if d.Status != model.DispatchOffered && d.Status != model.DispatchAccepted {
		return fmt.Errorf("%w: %s -> NO_SHOW", ErrInvalidTransition, d.Status)
	}
	if err := m.transition(ctx, d, d.Status, model.DispatchNoShow, map[string]any{
		"status": model.DispatchNoShow, "outcome": model.OutcomeNoShow, "closed_at": asOf,
	}, asOf); err != nil {
		return err
	}
	return m.ledger.Advance(ctx, d.RegistrationID, ledger.Outcome{
		Outcome: model.OutcomeNoShow,
		AsOf:    asOf,
	})
}

// Decline records the member turning down an offer. Unlike Cancel this is
// not penalty-free: a check mark is issued and the registration returns to
// the queue unless the book's cap policy rolls it off.
func (m *Machine) Decline(ctx context.Context, dispatchID string, asOf time.Time) error {
	d, err := m.load(ctx, dispatchID)
	if err != nil {
		return err
	}
	if d.Status != model.DispatchOffered {
		return fmt.Errorf("%w: %s -> CANCELLED (declined)", ErrInvalidTransition, d.Status)
	}
	if err := m.transition(ctx, d, model.DispatchOffered, model.DispatchCancelled, map[string]any{
		"status": model.DispatchCancelled, "outcome": model.OutcomeDeclined, "closed_at": asOf,
	}, asOf); err != nil {
		return err
	}
	return m.ledger.Advance(ctx, d.RegistrationID, ledger.Outcome{
		Outcome: model.OutcomeDeclined,
		AsOf:    asOf,
	})
}

// Cancel terminates an offered or accepted dispatch without penalty and
// returns the registration to the eligible queue.
func (m *Machine) Cancel(ctx context.Context, dispatchID string, asOf time.Time) error {
	d, err := m.load(ctx, dispatchID)
	if err != nil {
		return err
	}
	if d.Status != model.DispatchOffered && d.Status != model.DispatchAccepted {
		return fmt.Errorf("%w: %s -> CANCELLED", ErrInvalidTransition, d.Status)
	}
	if err := m.transition(ctx, d, d.Status, model.DispatchCancelled, map[string]any{
		"status": model.DispatchCancelled, "closed_at": asOf,
	}, asOf); err != nil {
		return err
	}
	return m.ledger.Release(ctx, d.RegistrationID)
}

// ExpireOffers auto-cancels every OFFERED dispatch whose response window has
// passed, returning the registrations to the queue without penalty. Runs on
// the sweep loop.
func (m *Machine) ExpireOffers(ctx context.Context, asOf time.Time) (int, error) {
	var stale []model.Dispatch
	err := m.db.WithContext(ctx).
		Where("status = ? AND respond_by <= ?", model.DispatchOffered, asOf).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load stale offers: %w", err)
	}

	expired := 0
	for i := range stale {
		d := &stale[i]
		if err := m.transition(ctx, d, model.DispatchOffered, model.DispatchCancelled, map[string]any{
			"status": model.DispatchCancelled, "closed_at": asOf,
		}, asOf); err != nil {
			m.logger.Warnw("offer expiry lost a race, skipping", "dispatch_id", d.ID, "error", err)
			continue
		}
		if err := m.ledger.Release(ctx, d.RegistrationID); err != nil {
			m.logger.Errorw("failed to release registration after offer expiry",
				"registration_id", d.RegistrationID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Get loads a dispatch with its labor request.
func (m *Machine) Get(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	return m.load(ctx, dispatchID)
}

// step loads, transitions and audits a simple timestamped progression.
func (m *Machine) step(ctx context.Context, dispatchID string, from, to model.DispatchStatus, asOf time.Time, updates func(*model.Dispatch) map[string]any) error {
	d, err := m.load(ctx, dispatchID)
	if err != nil {
		return err
	}
	return m.transition(ctx, d, from, to, updates(d), asOf)
}

// transition applies a guarded status change. The WHERE clause re-checks the
// expected source state so concurrent transitions fail loudly instead of
// overwriting each other.
func (m *Machine) transition(ctx context.Context, d *model.Dispatch, from, to model.DispatchStatus, updates map[string]any, asOf time.Time) error {
	if d.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, d.Status)
	}
	if d.Status != from {
		return fmt.Errorf("%w: expected %s, dispatch %s is %s", ErrInvalidTransition, from, d.ID, d.Status)
	}

	res := m.db.WithContext(ctx).Model(&model.Dispatch{}).
		Where("id = ? AND status = ?", d.ID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: dispatch %s moved out of %s concurrently", ErrInvalidTransition, d.ID, from)
	}

	before := map[string]any{"status": from}
	d.Status = to
	m.record(ctx, "dispatch."+string(to), d, before, asOf)
	return nil
}

func (m *Machine) load(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	var d model.Dispatch
	err := m.db.WithContext(ctx).Preload("LaborRequest").First(&d, "id = ?", dispatchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDispatchNotFound, dispatchID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *Machine) record(ctx context.Context, eventType string, d *model.Dispatch, before any, at time.Time) {
	err := m.audit.Record(ctx, audit.Event{
		Type:       eventType,
		EntityType: "dispatch",
		EntityID:   d.ID,
		Before:     before,
		After:      map[string]any{"status": d.Status, "registration_id": d.RegistrationID, "request_id": d.LaborRequestID},
		Actor:      "engine",
		At:         at,
	})
	if err != nil {
		m.logger.Errorw("audit write failed", "event", eventType, "dispatch_id", d.ID, "error", err)
	}
}
