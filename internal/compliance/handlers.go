package compliance

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/validation"
)

// Handler provides HTTP endpoints for registry, whitelist and block
// management.
type Handler struct {
	store   Store
	monitor *Monitor
	now     func() time.Time
}

// NewHandler creates a new compliance handler.
func NewHandler(store Store, monitor *Monitor) *Handler {
	return &Handler{store: store, monitor: monitor, now: time.Now}
}

// RegisterRoutes sets up compliance routes. The caller applies auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/compliance")
	g.GET("/policy", h.GetPolicy)

	g.POST("/addresses", h.AddListing)
	g.GET("/addresses/:address", h.ScreenAddress)
	g.DELETE("/addresses/:address", h.RemoveListing)
	g.PUT("/whitelist/:address", h.WhitelistAddress)
	g.DELETE("/whitelist/:address", h.RemoveWhitelist)

	users := g.Group("/users/:id", validation.UserParamMiddleware())
	users.GET("/block", h.GetBlock)
	users.PUT("/block", h.BlockUser)
	users.DELETE("/block", h.UnblockUser)
}

// AddListingRequest registers a high-risk address.
type AddListingRequest struct {
	Address     string `json:"address" binding:"required"`
	Category    string `json:"category" binding:"required"`
	Level       string `json:"level" binding:"required"`
	Description string `json:"description"`
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func invalidAddress(c *gin.Context) bool {
	if !validation.IsValidIdentifier(c.Param("address")) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 1-128 characters of letters, digits, or _.:@-",
		})
		return true
	}
	return false
}

func storeFailed(c *gin.Context, code, msg string, err error) {
	logging.L(c.Request.Context()).Error(msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   code,
		"message": msg,
	})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": msg,
	})
}

// GetPolicy handles GET /v1/compliance/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.monitor.Policy()})
}

// AddListing handles POST /v1/compliance/addresses
func (h *Handler) AddListing(c *gin.Context) {
	var req AddListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidIdentifier(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 1-128 characters of letters, digits, or _.:@-",
		})
		return
	}

	l := &Listing{
		Address:     NormalizeAddress(req.Address),
		Category:    Category(strings.ToLower(req.Category)),
		Description: req.Description,
		AddedAt:     h.now().UTC(),
	}
	if !l.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_category",
			"message": "Unknown risk category: " + req.Category,
		})
		return
	}
	if err := l.Level.UnmarshalText([]byte(strings.ToLower(req.Level))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_level",
			"message": "level must be one of low, medium, high, critical",
		})
		return
	}

	if err := h.store.AddListing(c.Request.Context(), l); err != nil {
		storeFailed(c, "create_failed", "Failed to add listing", err)
		return
	}
	logging.L(c.Request.Context()).Info("high-risk address listed",
		"address", l.Address, "category", l.Category, "level", l.Level.String())
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// ScreenAddress handles GET /v1/compliance/addresses/:address
func (h *Handler) ScreenAddress(c *gin.Context) {
	if invalidAddress(c) {
		return
	}
	s, err := h.store.Screen(c.Request.Context(), c.Param("address"))
	if err != nil {
		storeFailed(c, "screen_failed", "Failed to screen address", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"screening": s, "flagged": s.Flagged()})
}

// RemoveListing handles DELETE /v1/compliance/addresses/:address
func (h *Handler) RemoveListing(c *gin.Context) {
	if invalidAddress(c) {
		return
	}
	err := h.store.RemoveListing(c.Request.Context(), c.Param("address"))
	if errors.Is(err, ErrNotFound) {
		notFound(c, "Address is not listed")
		return
	}
	if err != nil {
		storeFailed(c, "delete_failed", "Failed to remove listing", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// WhitelistAddress handles PUT /v1/compliance/whitelist/:address
func (h *Handler) WhitelistAddress(c *gin.Context) {
	if invalidAddress(c) {
		return
	}
	addr := NormalizeAddress(c.Param("address"))
	if err := h.store.Whitelist(c.Request.Context(), addr, h.now().UTC()); err != nil {
		storeFailed(c, "update_failed", "Failed to whitelist address", err)
		return
	}
	logging.L(c.Request.Context()).Info("address whitelisted", "address", addr)
	c.JSON(http.StatusOK, gin.H{"address": addr, "whitelisted": true})
}

// RemoveWhitelist handles DELETE /v1/compliance/whitelist/:address
func (h *Handler) RemoveWhitelist(c *gin.Context) {
	if invalidAddress(c) {
		return
	}
	err := h.store.RemoveWhitelist(c.Request.Context(), c.Param("address"))
	if errors.Is(err, ErrNotFound) {
		notFound(c, "Address is not whitelisted")
		return
	}
	if err != nil {
		storeFailed(c, "delete_failed", "Failed to remove whitelist entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GetBlock handles GET /v1/compliance/users/:id/block
func (h *Handler) GetBlock(c *gin.Context) {
	userID := c.GetString("userID")
	b, err := h.store.Blocked(c.Request.Context(), userID)
	if err != nil {
		storeFailed(c, "lookup_failed", "Failed to load block status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "blocked": b != nil, "block": b})
}

// BlockUser handles PUT /v1/compliance/users/:id/block
func (h *Handler) BlockUser(c *gin.Context) {
	userID := c.GetString("userID")
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	b := &Block{UserID: userID, Reason: req.Reason, BlockedAt: h.now().UTC()}
	if err := h.store.Block(c.Request.Context(), b); err != nil {
		storeFailed(c, "update_failed", "Failed to block user", err)
		return
	}
	logging.L(c.Request.Context()).Warn("user blocked", "user_id", userID, "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "blocked": true, "block": b})
}

// UnblockUser handles DELETE /v1/compliance/users/:id/block
func (h *Handler) UnblockUser(c *gin.Context) {
	userID := c.GetString("userID")
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	err := h.store.Unblock(c.Request.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		notFound(c, "User is not blocked")
		return
	}
	if err != nil {
		storeFailed(c, "update_failed", "Failed to unblock user", err)
		return
	}
	logging.L(c.Request.Context()).Info("user unblocked", "user_id", userID, "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "blocked": false})
}
