package match

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/db"
	"referral-dispatch-backend/internal/dispatch"
	"referral-dispatch-backend/internal/intake"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
	"referral-dispatch-backend/internal/notify"
)

type engine struct {
	db      *gorm.DB
	ledger  ledger.Ledger
	matcher *Matcher
	bids    *BidProcessor
	book    *model.ReferralBook
}

func newEngine(t *testing.T, bookTiers int) *engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(testDB))

	cfg := &config.Config{}
	cfg.Engine.CutoffHour = 15
	cfg.Engine.BidOpenHour = 17
	cfg.Engine.BidOpenMinute = 30
	cfg.Engine.BidCloseHour = 7
	cfg.Order = config.OrderConfig{Version: 1, Sequence: []string{"wire", "stock", "residential", "tradeshow"}}

	logger := zap.NewNop().Sugar()
	aw := audit.NewGormWriter(testDB)
	notifier := notify.NewLogNotifier(logger)
	registry := books.NewRegistry(testDB)
	led := ledger.NewGormLedger(testDB, aw, notifier, logger)
	in := intake.New(testDB, registry, cfg, time.UTC, aw, logger)
	machine := dispatch.NewMachine(testDB, led, aw, notifier, logger, 4*time.Hour)
	matcher := NewMatcher(testDB, registry, led, machine, in, logger)
	bids := NewBidProcessor(testDB, cfg, time.UTC, logger)

	book := &model.ReferralBook{
		Code:               "wire-metro",
		Classification:     "Wireman",
		Region:             "Metro",
		BookType:           "wire",
		Tiers:              bookTiers,
		ResignIntervalDays: 30,
		MaxCheckMarks:      2,
		CheckMarkPolicy:    model.PolicyRollOff,
		ShortCallDays:      14,
		BlackoutDays:       14,
		Active:             true,
	}
	require.NoError(t, testDB.Create(book).Error)

	return &engine{db: testDB, ledger: led, matcher: matcher, bids: bids, book: book}
}

func (e *engine) register(t *testing.T, memberID int64, tier int, effective time.Time) *model.Registration {
	t.Helper()
	reg, err := e.ledger.Register(context.Background(), memberID, e.book, tier, effective)
	require.NoError(t, err)
	return reg
}

func (e *engine) request(t *testing.T, headcount int, processDate time.Time) *model.LaborRequest {
	t.Helper()
	req := &model.LaborRequest{
		EmployerID:    77,
		Foreperson:    "j.ortega",
		BookCode:      e.book.Code,
		AgreementType: "PLA",
		Headcount:     headcount,
		SubmittedAt:   processDate.AddDate(0, 0, -1),
		ProcessDate:   processDate,
		OrderVersion:  1,
		Status:        model.RequestOpen,
	}
	require.NoError(t, e.db.Create(req).Error)
	return req
}

func TestRunDispatchesInAPNOrder(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	// Registered newest-first so insertion order disagrees with priority.
	e.register(t, 3001, 1, runDate.AddDate(0, 0, -1))
	oldest := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	middle := e.register(t, 2001, 1, runDate.AddDate(0, 0, -5))

	req := e.request(t, 2, runDate.Truncate(24*time.Hour))

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, oldest.ID, ds[0].RegistrationID)
	assert.Equal(t, middle.ID, ds[1].RegistrationID)

	var got model.LaborRequest
	require.NoError(t, e.db.First(&got, req.ID).Error)
	assert.Equal(t, model.RequestFilled, got.Status)
	assert.Equal(t, 2, got.Filled)
}

func TestRunIsIdempotent(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	e.register(t, 2001, 1, runDate.AddDate(0, 0, -5))
	e.request(t, 1, runDate.Truncate(24*time.Hour))

	first, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Same queue state, same requests: the second pass must change nothing.
	second, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)

	var count int64
	e.db.Model(&model.Dispatch{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestRunFillsPartiallyWhenQueueRunsDry(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	e.register(t, 2001, 1, runDate.AddDate(0, 0, -5))
	req := e.request(t, 5, runDate.Truncate(24*time.Hour))

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	assert.Len(t, ds, 2)

	var got model.LaborRequest
	require.NoError(t, e.db.First(&got, req.ID).Error)
	assert.Equal(t, model.RequestPartiallyFilled, got.Status)
	assert.Equal(t, 2, got.Filled)
	assert.Equal(t, 3, got.Remaining())
}

func TestRunSkipsBlackedOutMembers(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	blocked := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	clear := e.register(t, 2001, 1, runDate.AddDate(0, 0, -5))
	require.NoError(t, e.db.Create(&model.BlackoutPeriod{
		RegistrationID: blocked.ID,
		MemberID:       blocked.MemberID,
		Reason:         "quit",
		Scope:          model.BlackoutGlobal,
		StartDate:      runDate.AddDate(0, 0, -2),
		EndDate:        runDate.AddDate(0, 0, 12),
	}).Error)

	e.request(t, 1, runDate.Truncate(24*time.Hour))

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, clear.ID, ds[0].RegistrationID,
		"the front of the queue is blacked out, the next member goes")
}

func TestRunCascadesThroughTiers(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	tier1 := e.register(t, 1001, 1, runDate.AddDate(0, 0, -5))
	// Tier 2 member signed earlier, but tier 1 always drains first.
	tier2 := e.register(t, 2001, 2, runDate.AddDate(0, 0, -20))

	e.request(t, 2, runDate.Truncate(24*time.Hour))

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, tier1.ID, ds[0].RegistrationID)
	assert.Equal(t, tier2.ID, ds[1].RegistrationID)
}

func TestBidNeverBypassesPriority(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	senior := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	junior := e.register(t, 2001, 1, runDate.AddDate(0, 0, -1))

	req := e.request(t, 1, runDate.Truncate(24*time.Hour))

	// The junior member bids during the overnight window; the senior does not.
	bidTime := time.Date(2025, time.June, 9, 18, 0, 0, 0, time.UTC)
	bid, err := e.bids.Submit(ctx, junior.MemberID, req.ID, bidTime)
	require.NoError(t, err)

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, senior.ID, ds[0].RegistrationID, "a bid directs intent, it never jumps the queue")

	var got model.JobBid
	require.NoError(t, e.db.First(&got, "id = ?", bid.ID).Error)
	assert.Equal(t, model.BidRejected, got.Status)
	assert.Equal(t, model.BidReasonOutranked, got.RejectReason)
}

func TestWinningBidIsAccepted(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	bidder := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	e.register(t, 2001, 1, runDate.AddDate(0, 0, -1))

	req := e.request(t, 1, runDate.Truncate(24*time.Hour))

	bidTime := time.Date(2025, time.June, 9, 18, 0, 0, 0, time.UTC)
	bid, err := e.bids.Submit(ctx, bidder.MemberID, req.ID, bidTime)
	require.NoError(t, err)

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, bidder.ID, ds[0].RegistrationID)
	require.NotNil(t, ds[0].BidID)
	assert.Equal(t, bid.ID, *ds[0].BidID)

	var got model.JobBid
	require.NoError(t, e.db.First(&got, "id = ?", bid.ID).Error)
	assert.Equal(t, model.BidAccepted, got.Status)
}

func TestIneligibleBidderIsRejectedWithReason(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	bidder := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	fallback := e.register(t, 2001, 1, runDate.AddDate(0, 0, -1))

	req := e.request(t, 1, runDate.Truncate(24*time.Hour))

	bidTime := time.Date(2025, time.June, 9, 18, 0, 0, 0, time.UTC)
	bid, err := e.bids.Submit(ctx, bidder.MemberID, req.ID, bidTime)
	require.NoError(t, err)

	// The blackout lands after the bid but before the run.
	require.NoError(t, e.db.Create(&model.BlackoutPeriod{
		RegistrationID: bidder.ID,
		MemberID:       bidder.MemberID,
		Reason:         "discharged",
		Scope:          model.BlackoutGlobal,
		StartDate:      runDate.AddDate(0, 0, -1),
		EndDate:        runDate.AddDate(0, 0, 13),
	}).Error)

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, fallback.ID, ds[0].RegistrationID)

	var got model.JobBid
	require.NoError(t, e.db.First(&got, "id = ?", bid.ID).Error)
	assert.Equal(t, model.BidRejected, got.Status)
	assert.Equal(t, model.BidReasonIneligible, got.RejectReason)
}

func TestOffBookBidderIsRejectedIneligible(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	bidder := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	fallback := e.register(t, 2001, 1, runDate.AddDate(0, 0, -1))

	req := e.request(t, 1, runDate.Truncate(24*time.Hour))

	bidTime := time.Date(2025, time.June, 9, 18, 0, 0, 0, time.UTC)
	bid, err := e.bids.Submit(ctx, bidder.MemberID, req.ID, bidTime)
	require.NoError(t, err)

	// The registration rolls off between the bid and the run, so the bidder
	// never enters any tier's queue.
	require.NoError(t, e.ledger.Expire(ctx, bidder.ID, runDate.Add(-time.Hour)))

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, fallback.ID, ds[0].RegistrationID)

	var got model.JobBid
	require.NoError(t, e.db.First(&got, "id = ?", bid.ID).Error)
	assert.Equal(t, model.BidRejected, got.Status)
	assert.Equal(t, model.BidReasonIneligible, got.RejectReason)
}

func TestPendingBidReservesMemberForItsRequest(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	senior := e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	junior := e.register(t, 2001, 1, runDate.AddDate(0, 0, -1))

	// Two single-headcount requests; the senior member bid on the second.
	first := e.request(t, 1, runDate.Truncate(24*time.Hour))
	second := e.request(t, 1, runDate.Truncate(24*time.Hour))

	bidTime := time.Date(2025, time.June, 9, 18, 0, 0, 0, time.UTC)
	_, err := e.bids.Submit(ctx, senior.MemberID, second.ID, bidTime)
	require.NoError(t, err)

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	require.Len(t, ds, 2)

	byRequest := map[int64]int64{}
	for _, d := range ds {
		byRequest[d.LaborRequestID] = d.RegistrationID
	}
	assert.Equal(t, junior.ID, byRequest[first.ID], "the reserved senior member skips the first request")
	assert.Equal(t, senior.ID, byRequest[second.ID])
}

func TestFutureRequestsWaitForTheirProcessDate(t *testing.T) {
	e := newEngine(t, 1)
	ctx := context.Background()
	runDate := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	e.register(t, 1001, 1, runDate.AddDate(0, 0, -9))
	e.request(t, 1, runDate.AddDate(0, 0, 1)) // tomorrow's run

	ds, err := e.matcher.RunMorningDispatch(ctx, e.book.Code, runDate)
	require.NoError(t, err)
	assert.Empty(t, ds)
}
