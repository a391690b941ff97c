package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"referral-dispatch-backend/internal/books"
	"referral-dispatch-backend/internal/model"
)

// ListBooks handles GET /api/books.
func (h *Handler) ListBooks(c *gin.Context) {
	filter := books.Filter{
		Region:         c.Query("region"),
		Classification: c.Query("classification"),
		ActiveOnly:     c.Query("include_inactive") != "true",
	}
	list, err := h.registry.ListBooks(c.Request.Context(), filter)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to list books"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// queueEntry is one row of the book status snapshot consumed by reporting.
type queueEntry struct {
	RegistrationID int64     `json:"registration_id"`
	MemberID       int64     `json:"member_id"`
	MemberName     string    `json:"member_name,omitempty"`
	Tier           int       `json:"tier"`
	APN            string    `json:"apn"`
	Status         string    `json:"status"`
	CheckMarks     int       `json:"check_marks"`
	Exempt         bool      `json:"exempt"`
	ResignDueAt    time.Time `json:"resign_due_at"`
	CurrentDispatch *string  `json:"current_dispatch,omitempty"`
}

// GetBookStatus handles GET /api/books/{code}/status: the queue snapshot
// with APN, tier, status, check marks and exemptions.
func (h *Handler) GetBookStatus(c *gin.Context) {
	code := c.Param("code")
	if _, err := h.registry.GetBook(c.Request.Context(), code); err != nil {
		if errors.Is(err, books.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown book"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load book"})
		return
	}

	var regs []model.Registration
	err := h.db.WithContext(c.Request.Context()).
		Preload("CheckMarks", "consumed = ?", false).
		Preload("Exemptions").
		Where("book_code = ? AND status IN ?", code, []model.RegistrationStatus{
			model.RegistrationActive, model.RegistrationDispatched,
		}).
		Order("tier ASC").Order("apn ASC").Order("id ASC").
		Find(&regs).Error
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load queue"})
		return
	}

	now := time.Now().UTC()
	entries := make([]queueEntry, 0, len(regs))
	for _, r := range regs {
		// Names come from the hall directory; the engine itself only keeps ids.
		var name string
		if m, derr := h.dir.GetMember(c.Request.Context(), r.MemberID); derr == nil {
			name = m.Name
		}
		entries = append(entries, queueEntry{
			RegistrationID:  r.ID,
			MemberID:        r.MemberID,
			MemberName:      name,
			Tier:            r.Tier,
			APN:             r.APN.String(),
			Status:          string(r.Status),
			CheckMarks:      r.LiveCheckMarks(),
			Exempt:          r.ActiveExemption(now) != nil,
			ResignDueAt:     r.ResignDueAt,
			CurrentDispatch: r.CurrentDispatchID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"book": code, "queue": entries})
}

// GetRegistrationHistory handles GET /api/members/{id}/history.
func (h *Handler) GetRegistrationHistory(c *gin.Context) {
	memberID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}
	events, err := h.ledger.History(c.Request.Context(), memberID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"member_id": memberID, "events": events})
}
