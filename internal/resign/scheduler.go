package resign

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
)

// Scheduler enforces periodic re-sign deadlines. It is the only component
// that rolls registrations off for staleness, which keeps expiration
// centralized and auditable.
type Scheduler struct {
	db       *gorm.DB
	ledger   ledger.Ledger
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewScheduler creates a re-sign scheduler.
func NewScheduler(db *gorm.DB, l ledger.Ledger, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{db: db, ledger: l, interval: interval, logger: logger}
}

// Run executes expiration cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infow("re-sign scheduler started", "interval", s.interval)

	s.RunOnce(ctx, time.Now().UTC())

	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("re-sign scheduler shutting down")
			return
		case now := <-timer.C:
			s.RunOnce(ctx, now.UTC())
			timer.Reset(s.interval)
		}
	}
}

// RunOnce expires every overdue registration that has no active exemption.
// Registrations that were dispatched in the interim are not selected (only
// active rows match), so an in-flight dispatch always wins over expiration;
// the registration is revisited next cycle.
func (s *Scheduler) RunOnce(ctx context.Context, asOf time.Time) (int, error) {
	var overdue []model.Registration
	err := s.db.WithContext(ctx).
		Preload("Exemptions").
		Where("status = ? AND resign_due_at <= ?", model.RegistrationActive, asOf).
		Find(&overdue).Error
	if err != nil {
		s.logger.Errorw("re-sign scan failed", "error", err)
		return 0, err
	}

	expired := 0
	for i := range overdue {
		reg := &overdue[i]
		if ex := reg.ActiveExemption(asOf); ex != nil {
			s.logger.Debugw("re-sign deferred by exemption",
				"registration_id", reg.ID, "exemption", ex.Type)
			continue
		}
		if err := s.ledger.Expire(ctx, reg.ID, asOf); err != nil {
			// Lost a race with a dispatch claim; prefer the dispatch.
			s.logger.Warnw("skipping expiration", "registration_id", reg.ID, "error", err)
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Infow("re-sign cycle complete", "scanned", len(overdue), "expired", expired)
	}
	return expired, nil
}
