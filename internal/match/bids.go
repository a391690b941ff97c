package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/model"
)

var (
	// ErrWindowClosed is returned for bids submitted outside the bidding
	// window.
	ErrWindowClosed = errors.New("bidding window is closed")
	// ErrBidIneligible is returned when the member holds no active
	// registration on the request's book.
	ErrBidIneligible = errors.New("member not eligible to bid on this request")
	// ErrDuplicateBid is returned when the member already has a pending bid
	// on the request.
	ErrDuplicateBid = errors.New("pending bid already exists")
	// ErrRequestClosed is returned for bids against filled or expired
	// requests.
	ErrRequestClosed = errors.New("labor request is not open for bids")
)

// BidProcessor accepts member bids during the overnight bidding window. Bids
// only declare intent; the morning matcher folds them into the same
// APN-ordered pass as the general queue.
type BidProcessor struct {
	db     *gorm.DB
	loc    *time.Location
	open   struct{ hour, minute int }
	close_ struct{ hour, minute int }
	logger *zap.SugaredLogger
}

// NewBidProcessor creates a bid processor with the configured window.
func NewBidProcessor(db *gorm.DB, cfg *config.Config, loc *time.Location, logger *zap.SugaredLogger) *BidProcessor {
	bp := &BidProcessor{db: db, loc: loc, logger: logger}
	bp.open.hour = cfg.Engine.BidOpenHour
	bp.open.minute = cfg.Engine.BidOpenMinute
	bp.close_.hour = cfg.Engine.BidCloseHour
	bp.close_.minute = cfg.Engine.BidCloseMinute
	return bp
}

// WindowOpen reports whether bids are accepted at the given instant. The
// window spans midnight: it opens in the evening and closes the next
// morning.
func (bp *BidProcessor) WindowOpen(now time.Time) bool {
	local := now.In(bp.loc)
	minutes := local.Hour()*60 + local.Minute()
	openM := bp.open.hour*60 + bp.open.minute
	closeM := bp.close_.hour*60 + bp.close_.minute
	if openM > closeM {
		return minutes >= openM || minutes < closeM
	}
	return minutes >= openM && minutes < closeM
}

// Submit records a pending bid for the member against an open labor request.
func (bp *BidProcessor) Submit(ctx context.Context, memberID, laborRequestID int64, now time.Time) (*model.JobBid, error) {
	if !bp.WindowOpen(now) {
		return nil, ErrWindowClosed
	}

	var req model.LaborRequest
	err := bp.db.WithContext(ctx).First(&req, laborRequestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: request %d", ErrRequestClosed, laborRequestID)
	}
	if err != nil {
		return nil, err
	}
	if req.Status != model.RequestOpen && req.Status != model.RequestPartiallyFilled {
		return nil, fmt.Errorf("%w: request %d is %s", ErrRequestClosed, laborRequestID, req.Status)
	}

	var reg model.Registration
	err = bp.db.WithContext(ctx).
		Where("member_id = ? AND book_code = ? AND status = ?",
			memberID, req.BookCode, model.RegistrationActive).
		Order("tier ASC").First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: member %d on book %s", ErrBidIneligible, memberID, req.BookCode)
	}
	if err != nil {
		return nil, err
	}

	var count int64
	if err := bp.db.WithContext(ctx).Model(&model.JobBid{}).
		Where("registration_id = ? AND labor_request_id = ? AND status = ?",
			reg.ID, laborRequestID, model.BidPending).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: member %d on request %d", ErrDuplicateBid, memberID, laborRequestID)
	}

	bid := &model.JobBid{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		MemberID:       memberID,
		LaborRequestID: laborRequestID,
		SubmittedAt:    now,
		Status:         model.BidPending,
	}
	if err := bp.db.WithContext(ctx).Create(bid).Error; err != nil {
		return nil, fmt.Errorf("failed to persist bid: %w", err)
	}

	bp.logger.Infow("bid recorded", "bid_id", bid.ID, "member_id", memberID, "request_id", laborRequestID)
	return bid, nil
}

// Withdraw marks a member's pending bid withdrawn.
func (bp *BidProcessor) Withdraw(ctx context.Context, bidID string, memberID int64) error {
	res := bp.db.WithContext(ctx).Model(&model.JobBid{}).
		Where("id = ? AND member_id = ? AND status = ?", bidID, memberID, model.BidPending).
		Update("status", model.BidWithdrawn)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no pending bid %s for member %d", bidID, memberID)
	}
	return nil
}
