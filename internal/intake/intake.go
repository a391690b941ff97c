package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/audit"
	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/model"
)

// ValidationError is a caller error on a submitted labor request; it is
// rejected synchronously and never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid labor request: %s %s", e.Field, e.Msg)
}

// SubmitInput is an employer's labor request as received from the surrounding
// system.
type SubmitInput struct {
	EmployerID    int64  `json:"employer_id" validate:"required,gt=0"`
	Foreperson    string `json:"foreperson" validate:"max=128"`
	BookCode      string `json:"book_code" validate:"required"`
	AgreementType string `json:"agreement_type" validate:"required,max=32"`
	Headcount     int    `json:"headcount" validate:"required,gt=0"`
}

// Intake validates employer labor requests, applies the submission cutoff and
// assigns each request its fixed slot in the morning processing order.
type Intake struct {
	db       *gorm.DB
	registry *books.Registry
	order    config.OrderConfig
	loc      *time.Location
	cutoff   struct{ hour, minute int }
	validate *validator.Validate
	audit    audit.Writer
	logger   *zap.SugaredLogger
}

// New creates a labor request intake.
func New(db *gorm.DB, registry *books.Registry, cfg *config.Config, loc *time.Location, aw audit.Writer, logger *zap.SugaredLogger) *Intake {
	in := &Intake{
		db:       db,
		registry: registry,
		order:    cfg.Order,
		loc:      loc,
		validate: validator.New(),
		audit:    aw,
		logger:   logger,
	}
	in.cutoff.hour = cfg.Engine.CutoffHour
	in.cutoff.minute = cfg.Engine.CutoffMinute
	return in
}

// Submit validates and queues a labor request. Requests submitted before the
// cutoff join the next morning's run; later ones wait a further day.
func (in *Intake) Submit(ctx context.Context, input SubmitInput, now time.Time) (*model.LaborRequest, error) {
	if err := in.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ValidationError{Field: verrs[0].Field(), Msg: verrs[0].Tag()}
		}
		return nil, &ValidationError{Field: "request", Msg: err.Error()}
	}

	book, err := in.registry.GetBook(ctx, input.BookCode)
	if err != nil {
		if errors.Is(err, books.ErrNotFound) {
			return nil, &ValidationError{Field: "book_code", Msg: "unknown book"}
		}
		return nil, err
	}
	if !book.PermitsAgreement(input.AgreementType) {
		return nil, &ValidationError{Field: "agreement_type", Msg: "not permitted for this classification"}
	}

	req := &model.LaborRequest{
		EmployerID:    input.EmployerID,
		Foreperson:    input.Foreperson,
		BookCode:      book.Code,
		AgreementType: input.AgreementType,
		Headcount:     input.Headcount,
		SubmittedAt:   now,
		ProcessDate:   in.ProcessDate(now),
		OrderRank:     in.order.Rank(book.BookType),
		OrderVersion:  in.order.Version,
		Status:        model.RequestOpen,
	}
	if err := in.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("failed to persist labor request: %w", err)
	}

	if err := in.audit.Record(ctx, audit.Event{
		Type:       "labor_request.submitted",
		EntityType: "labor_request",
		EntityID:   fmt.Sprintf("%d", req.ID),
		After:      req,
		Actor:      fmt.Sprintf("employer:%d", input.EmployerID),
		At:         now,
	}); err != nil {
		in.logger.Errorw("audit write failed", "event", "labor_request.submitted", "error", err)
	}

	in.logger.Infow("labor request queued",
		"request_id", req.ID, "book", req.BookCode, "headcount", req.Headcount,
		"process_date", req.ProcessDate.Format("2006-01-02"), "order_rank", req.OrderRank)
	return req, nil
}

// ProcessDate computes the first morning run a submission at the given
// instant participates in.
func (in *Intake) ProcessDate(submittedAt time.Time) time.Time {
	local := submittedAt.In(in.loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), in.cutoff.hour, in.cutoff.minute, 0, 0, in.loc)
	days := 1
	if !local.Before(cutoff) {
		days = 2
	}
	d := local.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// OpenRequests loads the requests due for processing on or before the run
// date for one book, in strict morning processing order: order rank, then
// submission time, then id.
func (in *Intake) OpenRequests(ctx context.Context, bookCode string, runDate time.Time) ([]model.LaborRequest, error) {
	day := time.Date(runDate.Year(), runDate.Month(), runDate.Day(), 0, 0, 0, 0, time.UTC)
	var reqs []model.LaborRequest
	err := in.db.WithContext(ctx).
		Where("book_code = ? AND process_date <= ? AND status IN ?", bookCode, day,
			[]model.LaborRequestStatus{model.RequestOpen, model.RequestPartiallyFilled}).
		Order("order_rank ASC").Order("submitted_at ASC").Order("id ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open requests for %s: %w", bookCode, err)
	}
	return reqs, nil
}
