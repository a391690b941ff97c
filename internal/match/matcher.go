package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/dispatch"
	"referral-dispatch-backend/internal/eligibility"
	"referral-dispatch-backend/internal/intake"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
)

// Matcher runs the morning dispatch pass: open labor requests in processing
// order, candidates in APN order, one book at a time under a book-scoped
// lock. Books are independent partitions and may run concurrently.
type Matcher struct {
	db       *gorm.DB
	registry *books.Registry
	ledger   ledger.Ledger
	machine  *dispatch.Machine
	intake   *intake.Intake
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMatcher creates a dispatch matcher.
func NewMatcher(db *gorm.DB, registry *books.Registry, l ledger.Ledger, machine *dispatch.Machine, in *intake.Intake, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{
		db:       db,
		registry: registry,
		ledger:   l,
		machine:  machine,
		intake:   in,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// bookLock returns the exclusive lock for one book's matching runs.
func (m *Matcher) bookLock(bookCode string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[bookCode]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[bookCode] = lk
	}
	return lk
}

// RunMorningDispatch executes one matching pass for a book. The pass is
// deterministic for a given book and queue state: re-running with no new
// requests or registrations produces no additional dispatches.
func (m *Matcher) RunMorningDispatch(ctx context.Context, bookCode string, asOf time.Time) ([]model.Dispatch, error) {
	lk := m.bookLock(bookCode)
	lk.Lock()
	defer lk.Unlock()

	book, err := m.registry.Snapshot(ctx, bookCode)
	if err != nil {
		return nil, err
	}
	reqs, err := m.intake.OpenRequests(ctx, bookCode, asOf)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	bids, err := m.pendingBids(ctx, reqs)
	if err != nil {
		return nil, err
	}
	// A pending bid reserves its member for the bid's request: the member is
	// skipped during the walk of every other request this run.
	reserved := make(map[int64]int64)
	for reqID, list := range bids {
		for _, b := range list {
			reserved[b.MemberID] = reqID
		}
	}

	var created []model.Dispatch
	claimed := make(map[int64]bool) // registrations dispatched earlier in this run

	for i := range reqs {
		req := &reqs[i]
		ds, err := m.fillRequest(ctx, book, req, bids[req.ID], reserved, claimed, asOf)
		if err != nil {
			return created, err
		}
		created = append(created, ds...)
	}

	m.logger.Infow("morning dispatch run complete",
		"book", bookCode, "requests", len(reqs), "dispatches", len(created))
	return created, nil
}

// fillRequest walks the book's tiers in precedence order (Book 1 before
// Book 2 before Book 3), each tier's eligible queue in APN order, and offers
// dispatches until the headcount is met or every queue is exhausted.
func (m *Matcher) fillRequest(ctx context.Context, book *model.ReferralBook, req *model.LaborRequest, reqBids []model.JobBid, reserved map[int64]int64, claimed map[int64]bool, asOf time.Time) ([]model.Dispatch, error) {
	bidByMember := make(map[int64]*model.JobBid, len(reqBids))
	for i := range reqBids {
		bidByMember[reqBids[i].MemberID] = &reqBids[i]
	}
	if err := m.rejectOffBookBidders(ctx, book, bidByMember); err != nil {
		return nil, err
	}
	blockedBidders := make(map[int64]bool)

	var created []model.Dispatch
	for tier := 1; tier <= book.Tiers; tier++ {
		if req.Remaining()-len(created) <= 0 {
			break
		}
		queue, err := m.ledger.ListEligibleQueue(ctx, book.Code, tier, asOf)
		if err != nil {
			return created, err
		}
		ds, err := m.walkQueue(ctx, book, req, queue, bidByMember, blockedBidders, reserved, claimed, len(created), asOf)
		created = append(created, ds...)
		if err != nil {
			return created, err
		}
	}

	if err := m.settleRequest(ctx, req, len(created)); err != nil {
		return created, err
	}
	// Whatever bids remain on a processed request lose: either the member
	// was blocked or higher-priority candidates took the headcount.
	for memberID, b := range bidByMember {
		reason := model.BidReasonOutranked
		if blockedBidders[memberID] {
			reason = model.BidReasonIneligible
		}
		if err := m.resolveBid(ctx, b.ID, model.BidRejected, reason); err != nil {
			return created, err
		}
	}
	return created, nil
}

// rejectOffBookBidders resolves bids whose member no longer holds an active
// registration on the book. Such a bidder never enters any tier's queue, so
// the walk cannot classify them; they lose as ineligible, not outranked.
func (m *Matcher) rejectOffBookBidders(ctx context.Context, book *model.ReferralBook, bidByMember map[int64]*model.JobBid) error {
	if len(bidByMember) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(bidByMember))
	for id := range bidByMember {
		ids = append(ids, id)
	}
	var onBook []int64
	err := m.db.WithContext(ctx).Model(&model.Registration{}).
		Where("book_code = ? AND member_id IN ? AND status = ?", book.Code, ids, model.RegistrationActive).
		Pluck("member_id", &onBook).Error
	if err != nil {
		return fmt.Errorf("failed to check bidder registrations: %w", err)
	}
	active := make(map[int64]bool, len(onBook))
	for _, id := range onBook {
		active[id] = true
	}
	for memberID, b := range bidByMember {
		if active[memberID] {
			continue
		}
		if err := m.resolveBid(ctx, b.ID, model.BidRejected, model.BidReasonIneligible); err != nil {
			return err
		}
		delete(bidByMember, memberID)
	}
	return nil
}

// walkQueue offers dispatches along one tier's queue.
func (m *Matcher) walkQueue(ctx context.Context, book *model.ReferralBook, req *model.LaborRequest, queue []model.Registration, bidByMember map[int64]*model.JobBid, blockedBidders map[int64]bool, reserved map[int64]int64, claimed map[int64]bool, alreadyFilled int, asOf time.Time) ([]model.Dispatch, error) {
	var created []model.Dispatch
	for i := range queue {
		if req.Remaining()-alreadyFilled-len(created) <= 0 {
			break
		}
		reg := &queue[i]
		if claimed[reg.ID] {
			continue
		}
		if target, ok := reserved[reg.MemberID]; ok && target != req.ID {
			continue
		}

		dec := eligibility.Evaluate(reg, book, req, asOf)
		if !dec.Eligible {
			m.logger.Debugw("candidate blocked",
				"registration_id", reg.ID, "request_id", req.ID, "reason", dec.Reason)
			if _, bid := bidByMember[reg.MemberID]; bid {
				blockedBidders[reg.MemberID] = true
			}
			continue
		}

		var bidID *string
		if b, ok := bidByMember[reg.MemberID]; ok {
			bidID = &b.ID
		}

		d, err := m.machine.Offer(ctx, reg, req, bidID, asOf)
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			m.logger.Warnw("lost claim race for registration, skipping",
				"registration_id", reg.ID, "request_id", req.ID)
			continue
		}
		if err != nil {
			return created, err
		}

		claimed[reg.ID] = true
		created = append(created, *d)
		if bidID != nil {
			if err := m.resolveBid(ctx, *bidID, model.BidAccepted, ""); err != nil {
				return created, err
			}
			delete(bidByMember, reg.MemberID)
		}
	}
	return created, nil
}

// settleRequest updates the fill counters and status after a pass.
func (m *Matcher) settleRequest(ctx context.Context, req *model.LaborRequest, newFills int) error {
	if newFills == 0 && req.Status != model.RequestOpen {
		return nil
	}
	req.Filled += newFills
	switch {
	case req.Filled >= req.Headcount:
		req.Status = model.RequestFilled
	case req.Filled > 0:
		req.Status = model.RequestPartiallyFilled
	default:
		req.Status = model.RequestOpen
	}
	return m.db.WithContext(ctx).Model(&model.LaborRequest{}).
		Where("id = ?", req.ID).
		Updates(map[string]any{"filled": req.Filled, "status": req.Status}).Error
}

// pendingBids loads the pending bids for the run's requests, keyed by
// request id. The run happens after the bidding window closes, so every
// pending bid is ready to fold in.
func (m *Matcher) pendingBids(ctx context.Context, reqs []model.LaborRequest) (map[int64][]model.JobBid, error) {
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	var bids []model.JobBid
	err := m.db.WithContext(ctx).
		Where("labor_request_id IN ? AND status = ?", ids, model.BidPending).
		Order("submitted_at ASC").
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending bids: %w", err)
	}
	out := make(map[int64][]model.JobBid)
	for _, b := range bids {
		out[b.LaborRequestID] = append(out[b.LaborRequestID], b)
	}
	return out, nil
}

func (m *Matcher) resolveBid(ctx context.Context, bidID string, status model.JobBidStatus, reason string) error {
	return m.db.WithContext(ctx).Model(&model.JobBid{}).
		Where("id = ? AND status = ?", bidID, model.BidPending).
		Updates(map[string]any{"status": status, "reject_reason": reason}).Error
}

// RunAllBooks runs the morning pass for every active book concurrently.
// Books share no queue state, so they are safe independent partitions.
func (m *Matcher) RunAllBooks(ctx context.Context, asOf time.Time) (map[string][]model.Dispatch, error) {
	all, err := m.registry.ListBooks(ctx, books.Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	results := make(map[string][]model.Dispatch, len(all))
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, b := range all {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			ds, err := m.RunMorningDispatch(ctx, code, asOf)
			if err != nil {
				m.logger.Errorw("morning dispatch failed", "book", code, "error", err)
				return
			}
			resMu.Lock()
			results[code] = ds
			resMu.Unlock()
		}(b.Code)
	}
	wg.Wait()
	return results, nil
}
