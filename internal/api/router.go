package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"referral-dispatch-backend/config"
	"referral-dispatch-backend/internal/capability"
	"referral-dispatch-backend/internal/mw"
)

// roleHeader names the header the upstream auth layer stamps the operator
// role into. Authentication itself is outside the engine.
const roleHeader = "X-Operator-Role"

// NewRouter creates and configures the Gin router.
func NewRouter(h *Handler, cfg *config.ServerConfig) *gin.Engine {
	r := gin.Default()

	limit := rate.Limit(cfg.RateLimitPerSec)
	if limit <= 0 {
		limit = rate.Limit(10)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	rateLimiter := mw.RateLimiter(limit, burst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/labor-requests", h.SubmitLaborRequest)
		api.POST("/bids", h.SubmitBid)
		api.DELETE("/bids/:id", h.WithdrawBid)

		api.GET("/books", caching, h.ListBooks)
		api.GET("/books/:code/status", caching, h.GetBookStatus)
		api.POST("/books/:code/run", h.requireCapability(capability.ActionRunDispatch), h.RunMorningDispatch)

		api.GET("/members/:id/history", h.GetRegistrationHistory)
		api.POST("/registrations", h.Register)

		api.POST("/dispatches/:id/accept", h.AcceptDispatch)
		api.POST("/dispatches/:id/decline", h.DeclineDispatch)
		ops := api.Group("/dispatches", h.requireCapability(capability.ActionOverrideDispatch))
		{
			ops.POST("/:id/checkin", h.CheckInDispatch)
			ops.POST("/:id/start", h.StartDispatch)
			ops.POST("/:id/close", h.CloseDispatch)
			ops.POST("/:id/cancel", h.CancelDispatch)
			ops.POST("/:id/no-show", h.NoShowDispatch)
		}
	}

	return r
}

// requireCapability gates operator actions on the configured role grants.
func (h *Handler) requireCapability(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetHeader(roleHeader)
		if role == "" || !h.caps.Allows(role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing capability", "action": action})
			return
		}
		c.Next()
	}
}
