package api

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/capability"
	"referral-dispatch-backend/internal/directory"
	"referral-dispatch-backend/internal/dispatch"
	"referral-dispatch-backend/internal/intake"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/match"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	db       *gorm.DB
	registry *books.Registry
	ledger   ledger.Ledger
	intake   *intake.Intake
	bids     *match.BidProcessor
	matcher  *match.Matcher
	machine  *dispatch.Machine
	caps     capability.Checker
	dir      directory.Directory
	logger   *zap.SugaredLogger
}

// NewHandler creates a new API handler.
func NewHandler(db *gorm.DB, registry *books.Registry, l ledger.Ledger, in *intake.Intake, bids *match.BidProcessor, matcher *match.Matcher, machine *dispatch.Machine, caps capability.Checker, dir directory.Directory, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		db:       db,
		registry: registry,
		ledger:   l,
		intake:   in,
		bids:     bids,
		matcher:  matcher,
		machine:  machine,
		caps:     caps,
		dir:      dir,
		logger:   logger,
	}
}
