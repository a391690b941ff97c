package dispatch

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

	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/db"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
	"referral-dispatch-backend/internal/notify"
)

type fixture struct {
	db      *gorm.DB
	ledger  ledger.Ledger
	machine *Machine
	book    *model.ReferralBook
	reg     *model.Registration
	req     *model.LaborRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(testDB))

	logger := zap.NewNop().Sugar()
	aw := audit.NewGormWriter(testDB)
	notifier := notify.NewLogNotifier(logger)
	led := ledger.NewGormLedger(testDB, aw, notifier, logger)
	machine := NewMachine(testDB, led, aw, notifier, logger, 4*time.Hour)

	book := &model.ReferralBook{
		Code:               "wire-metro",
		Classification:     "Wireman",
		Region:             "Metro",
		BookType:           "wire",
		Tiers:              1,
		ResignIntervalDays: 30,
		MaxCheckMarks:      2,
		CheckMarkPolicy:    model.PolicyRollOff,
		ShortCallDays:      14,
		BlackoutDays:       14,
		Active:             true,
	}
	require.NoError(t, testDB.Create(book).Error)

	reg, err := led.Register(context.Background(), 1001, book, 1,
		time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	req := &model.LaborRequest{
		EmployerID:    77,
		Foreperson:    "j.ortega",
		BookCode:      book.Code,
		AgreementType: "PLA",
		Headcount:     1,
		SubmittedAt:   time.Date(2025, time.June, 9, 10, 0, 0, 0, time.UTC),
		ProcessDate:   time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC),
		Status:        model.RequestOpen,
	}
	require.NoError(t, testDB.Create(req).Error)

	return &fixture{db: testDB, ledger: led, machine: machine, book: book, reg: reg, req: req}
}

func (f *fixture) offer(t *testing.T, asOf time.Time) *model.Dispatch {
	t.Helper()
	d, err := f.machine.Offer(context.Background(), f.reg, f.req, nil, asOf)
	require.NoError(t, err)
	return d
}

func TestOfferClaimsRegistration(t *testing.T) {
	f := newFixture(t)
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	assert.Equal(t, model.DispatchOffered, d.Status)
	assert.Equal(t, asOf.Add(4*time.Hour), d.RespondBy)

	got, err := f.ledger.Get(context.Background(), f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationDispatched, got.Status)
	require.NotNil(t, got.CurrentDispatchID)
	assert.Equal(t, d.ID, *got.CurrentDispatchID)

	// The same registration cannot back a second offer.
	_, err = f.machine.Offer(context.Background(), f.reg, f.req, nil, asOf)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
}

func TestFullLifecycleCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf.Add(time.Hour)))
	require.NoError(t, f.machine.CheckIn(ctx, d.ID, asOf.Add(22*time.Hour)))
	require.NoError(t, f.machine.Start(ctx, d.ID, asOf.Add(23*time.Hour)))
	require.NoError(t, f.machine.Close(ctx, d.ID, model.OutcomeCompleted, asOf.AddDate(0, 1, 0)))

	got, err := f.machine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchClosed, got.Status)
	assert.Equal(t, model.OutcomeCompleted, got.Outcome)
	require.NotNil(t, got.AcceptedAt)
	require.NotNil(t, got.ClosedAt)

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationExpired, reg.Status, "a completed job rolls the member off")
}

func TestTransitionsEnforceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)

	// Skipping states is rejected.
	assert.ErrorIs(t, f.machine.CheckIn(ctx, d.ID, asOf), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.Start(ctx, d.ID, asOf), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.Close(ctx, d.ID, model.OutcomeCompleted, asOf), ErrInvalidTransition)

	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf))
	assert.ErrorIs(t, f.machine.Accept(ctx, d.ID, asOf), ErrInvalidTransition)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Cancel(ctx, d.ID, asOf.Add(time.Hour)))

	assert.ErrorIs(t, f.machine.Accept(ctx, d.ID, asOf.Add(2*time.Hour)), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.Cancel(ctx, d.ID, asOf.Add(2*time.Hour)), ErrInvalidTransition)
	assert.ErrorIs(t, f.machine.NoShow(ctx, d.ID, asOf.Add(2*time.Hour)), ErrInvalidTransition)
}

func TestCloseRejectsBogusOutcome(t *testing.T) {
	f := newFixture(t)
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)
	d := f.offer(t, asOf)

	err := f.machine.Close(context.Background(), d.ID, model.DispatchOutcome("vanished"), asOf)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelReturnsMemberWithoutPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Cancel(ctx, d.ID, asOf.Add(time.Hour)))

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationActive, reg.Status)
	assert.Equal(t, 0, reg.LiveCheckMarks())
	assert.Equal(t, f.reg.APN.String(), reg.APN.String())
}

func TestDeclineCarriesCheckMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Decline(ctx, d.ID, asOf.Add(time.Hour)))

	got, err := f.machine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCancelled, got.Status)
	assert.Equal(t, model.OutcomeDeclined, got.Outcome)

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationActive, reg.Status, "a declined offer keeps the queue position")
	require.Len(t, reg.CheckMarks, 1)
	assert.Equal(t, ledger.MarkReasonDeclined, reg.CheckMarks[0].Reason)
}

func TestDeclineOnlyFromOffered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf.Add(time.Hour)))
	assert.ErrorIs(t, f.machine.Decline(ctx, d.ID, asOf.Add(2*time.Hour)), ErrInvalidTransition)
}

func TestNoShowCarriesCheckMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf.Add(time.Hour)))
	require.NoError(t, f.machine.NoShow(ctx, d.ID, asOf.Add(26*time.Hour)))

	got, err := f.machine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchNoShow, got.Status)

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationActive, reg.Status)
	assert.Equal(t, 1, reg.LiveCheckMarks())
}

func TestQuitTriggersBlackout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf))
	require.NoError(t, f.machine.CheckIn(ctx, d.ID, asOf))
	require.NoError(t, f.machine.Start(ctx, d.ID, asOf))
	require.NoError(t, f.machine.Close(ctx, d.ID, model.OutcomeQuit, asOf.AddDate(0, 0, 3)))

	var blackout model.BlackoutPeriod
	require.NoError(t, f.db.Where("member_id = ?", f.reg.MemberID).First(&blackout).Error)
	assert.Equal(t, "quit", blackout.Reason)
	require.NotNil(t, blackout.EmployerID)
	assert.Equal(t, f.req.EmployerID, *blackout.EmployerID)
	assert.Equal(t, f.req.Foreperson, blackout.Foreperson)

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationExpired, reg.Status)
}

func TestShortCallLayoffRestoresPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)
	require.NoError(t, f.machine.Accept(ctx, d.ID, asOf))
	require.NoError(t, f.machine.CheckIn(ctx, d.ID, asOf))
	require.NoError(t, f.machine.Start(ctx, d.ID, asOf))
	// Laid off after 3 days, well inside the 14-day short-call window.
	require.NoError(t, f.machine.Close(ctx, d.ID, model.OutcomeLaidOff, asOf.AddDate(0, 0, 3)))

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationActive, reg.Status)
	assert.Equal(t, f.reg.APN.String(), reg.APN.String(), "queue position survives a short call")
}

func TestExpireOffersSweepsStaleOnes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	asOf := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	d := f.offer(t, asOf)

	// Before the response window lapses nothing is swept.
	n, err := f.machine.ExpireOffers(ctx, asOf.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.machine.ExpireOffers(ctx, asOf.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.machine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCancelled, got.Status)

	reg, err := f.ledger.Get(ctx, f.reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistrationActive, reg.Status, "an expired offer is penalty-free")
	assert.Equal(t, 0, reg.LiveCheckMarks())
}
