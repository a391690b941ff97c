package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"referral-dispatch-backend/config"
)

// Scheduler fires the morning dispatch run once per day at the configured
// local time, for all active books.
type Scheduler struct {
	matcher *Matcher
	loc     *time.Location
	runAt   struct{ hour, minute int }
	enabled bool
	logger  *zap.SugaredLogger
}

// NewScheduler creates the morning run scheduler.
func NewScheduler(matcher *Matcher, cfg *config.Config, loc *time.Location, logger *zap.SugaredLogger) *Scheduler {
	s := &Scheduler{matcher: matcher, loc: loc, enabled: cfg.Engine.SchedulerEnabled, logger: logger}
	s.runAt.hour = cfg.Engine.RunHour
	s.runAt.minute = cfg.Engine.RunMinute
	return s
}

// Run blocks until ctx is cancelled, sleeping until each day's run time.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		s.logger.Info("morning dispatch scheduler is disabled")
		return
	}
	s.logger.Infow("morning dispatch scheduler started",
		"run_at", time.Date(0, 1, 1, s.runAt.hour, s.runAt.minute, 0, 0, s.loc).Format("15:04"))

	for {
		next := s.nextRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("morning dispatch scheduler shutting down")
			return
		case now := <-timer.C:
			results, err := s.matcher.RunAllBooks(ctx, now)
			if err != nil {
				s.logger.Errorw("morning dispatch run failed", "error", err)
				continue
			}
			total := 0
			for _, ds := range results {
				total += len(ds)
			}
			s.logger.Infow("morning dispatch run finished", "books", len(results), "dispatches", total)
		}
	}
}

// nextRun returns the next occurrence of the configured run time after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	local := now.In(s.loc)
	run := time.Date(local.Year(), local.Month(), local.Day(), s.runAt.hour, s.runAt.minute, 0, 0, s.loc)
	if !run.After(local) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}
