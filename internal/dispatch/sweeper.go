package dispatch

import (
	"context"
	"time"
)

// RunSweeper expires stale offers on a fixed interval until ctx is
// cancelled. Offers cancelled here carry no penalty; the registrations
// return to the eligible queue.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	m.logger.Infow("offer sweeper started", "interval", interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("offer sweeper shutting down")
			return
		case now := <-timer.C:
			expired, err := m.ExpireOffers(ctx, now.UTC())
			if err != nil {
				m.logger.Errorw("offer sweep failed", "error", err)
			} else if expired > 0 {
				m.logger.Infow("expired stale offers", "count", expired)
			}
			timer.Reset(interval)
		}
	}
}
