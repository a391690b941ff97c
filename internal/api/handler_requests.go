package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"referral-dispatch-backend/internal/intake"
	"referral-dispatch-backend/internal/match"
)

// SubmitLaborRequest handles POST /api/labor-requests.
func (h *Handler) SubmitLaborRequest(c *gin.Context) {
	var input intake.SubmitInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	req, err := h.intake.Submit(c.Request.Context(), input, time.Now().UTC())
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error": "validation failed", "field": verr.Field, "detail": verr.Msg,
			})
			return
		}
		h.logger.Errorw("labor request submission failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to submit labor request"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           req.ID,
		"process_date": req.ProcessDate.Format("2006-01-02"),
		"order_rank":   req.OrderRank,
		"status":       req.Status,
	})
}

type bidRequest struct {
	MemberID       int64 `json:"member_id" binding:"required"`
	LaborRequestID int64 `json:"labor_request_id" binding:"required"`
}

// SubmitBid handles POST /api/bids.
func (h *Handler) SubmitBid(c *gin.Context) {
	var input bidRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	bid, err := h.bids.Submit(c.Request.Context(), input.MemberID, input.LaborRequestID, time.Now().UTC())
	switch {
	case errors.Is(err, match.ErrWindowClosed):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "WindowClosed"})
		return
	case errors.Is(err, match.ErrBidIneligible):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Ineligible"})
		return
	case errors.Is(err, match.ErrRequestClosed):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "RequestClosed"})
		return
	case errors.Is(err, match.ErrDuplicateBid):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "DuplicateBid"})
		return
	case err != nil:
		h.logger.Errorw("bid submission failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to submit bid"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": bid.ID, "status": bid.Status})
}

// WithdrawBid handles DELETE /api/bids/{id}.
func (h *Handler) WithdrawBid(c *gin.Context) {
	memberID, err := strconv.ParseInt(c.Query("member_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "member_id is required"})
		return
	}
	if err := h.bids.Withdraw(c.Request.Context(), c.Param("id"), memberID); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
