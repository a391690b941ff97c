package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"referral-dispatch-backend/internal/dispatch"
	"referral-dispatch-backend/internal/ledger"
	"referral-dispatch-backend/internal/model"
)

// RunMorningDispatch handles POST /api/books/{code}/run. Re-running with no
// new requests or registrations is safe and produces no extra dispatches.
func (h *Handler) RunMorningDispatch(c *gin.Context) {
	asOf := time.Now().UTC()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid 'as_of' timestamp, use RFC3339"})
			return
		}
		asOf = parsed.UTC()
	}

	dispatches, err := h.matcher.RunMorningDispatch(c.Request.Context(), c.Param("code"), asOf)
	if err != nil {
		h.logger.Errorw("manual dispatch run failed", "book", c.Param("code"), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch run failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"book": c.Param("code"), "dispatches": dispatches})
}

type registerRequest struct {
	MemberID      int64  `json:"member_id" binding:"required"`
	BookCode      string `json:"book_code" binding:"required"`
	Tier          int    `json:"tier" binding:"required,gte=1"`
	EffectiveDate string `json:"effective_date"` // RFC3339; defaults to now
}

// Register handles POST /api/registrations.
func (h *Handler) Register(c *gin.Context) {
	var input registerRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	effective := time.Now().UTC()
	if input.EffectiveDate != "" {
		parsed, err := time.Parse(time.RFC3339, input.EffectiveDate)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid effective_date, use RFC3339"})
			return
		}
		effective = parsed.UTC()
	}

	book, err := h.registry.GetBook(c.Request.Context(), input.BookCode)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown book"})
		return
	}

	reg, err := h.ledger.Register(c.Request.Context(), input.MemberID, book, input.Tier, effective)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateActiveRegistration) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "DuplicateActiveRegistration"})
			return
		}
		h.logger.Errorw("registration failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            reg.ID,
		"apn":           reg.APN.String(),
		"tier":          reg.Tier,
		"resign_due_at": reg.ResignDueAt,
	})
}

// AcceptDispatch handles POST /api/dispatches/{id}/accept.
func (h *Handler) AcceptDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.Accept(c.Request.Context(), id, asOf)
	})
}

// DeclineDispatch handles POST /api/dispatches/{id}/decline. Declining an
// offer carries a check mark, unlike a cancellation.
func (h *Handler) DeclineDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.Decline(c.Request.Context(), id, asOf)
	})
}

// CheckInDispatch handles POST /api/dispatches/{id}/checkin.
func (h *Handler) CheckInDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.CheckIn(c.Request.Context(), id, asOf)
	})
}

// StartDispatch handles POST /api/dispatches/{id}/start.
func (h *Handler) StartDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.Start(c.Request.Context(), id, asOf)
	})
}

type closeRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=completed laid_off quit discharged"`
}

// CloseDispatch handles POST /api/dispatches/{id}/close.
func (h *Handler) CloseDispatch(c *gin.Context) {
	var input closeRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "outcome must be one of completed, laid_off, quit, discharged"})
		return
	}
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.Close(c.Request.Context(), id, model.DispatchOutcome(input.Outcome), asOf)
	})
}

// CancelDispatch handles POST /api/dispatches/{id}/cancel.
func (h *Handler) CancelDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.Cancel(c.Request.Context(), id, asOf)
	})
}

// NoShowDispatch handles POST /api/dispatches/{id}/no-show.
func (h *Handler) NoShowDispatch(c *gin.Context) {
	h.transition(c, func(id string, asOf time.Time) error {
		return h.machine.NoShow(c.Request.Context(), id, asOf)
	})
}

// transition runs a state-machine call and maps its error taxonomy onto
// HTTP statuses.
func (h *Handler) transition(c *gin.Context, fn func(id string, asOf time.Time) error) {
	id := c.Param("id")
	err := fn(id, time.Now().UTC())
	switch {
	case err == nil:
		d, getErr := h.machine.Get(c.Request.Context(), id)
		if getErr != nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": d.ID, "status": d.Status, "outcome": d.Outcome})
	case errors.Is(err, dispatch.ErrDispatchNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "dispatch not found"})
	case errors.Is(err, dispatch.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "InvalidTransition", "detail": err.Error()})
	default:
		h.logger.Errorw("dispatch transition failed", "dispatch_id", id, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	}
}
