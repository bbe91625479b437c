package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txrisk/internal/idgen"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/risk"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/owners/:owner/webhooks", h.CreateWebhook)
	r.GET("/owners/:owner/webhooks", h.ListWebhooks)
	r.DELETE("/owners/:owner/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/owners/:owner/webhooks/:webhookId/test", h.TestWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL         string   `json:"url" binding:"required"`
	Events      []string `json:"events" binding:"required,min=1"`
	UserID      string   `json:"userId"`
	MinSeverity string   `json:"minSeverity"`
}

func view(sub *Subscription) gin.H {
	return gin.H{
		"id":                  sub.ID,
		"url":                 sub.URL,
		"events":              sub.Events,
		"userId":              sub.UserID,
		"minSeverity":         sub.MinSeverity,
		"active":              sub.Active,
		"createdAt":           sub.CreatedAt,
		"lastSuccess":         sub.LastSuccess,
		"lastError":           sub.LastError,
		"consecutiveFailures": sub.ConsecutiveFailures,
	}
}

// CreateWebhook handles POST /owners/:owner/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner := c.Param("owner")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
		if !events[i].Known() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
	}

	severity := risk.LevelMedium
	if req.MinSeverity != "" {
		if err := severity.UnmarshalText([]byte(strings.ToLower(req.MinSeverity))); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_severity",
				"message": "minSeverity must be one of low, medium, high, critical",
			})
			return
		}
	}

	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:          idgen.WithPrefix(idgen.PrefixWebhook),
		Owner:       owner,
		UserID:      req.UserID,
		URL:         req.URL,
		Secret:      secret,
		Events:      events,
		MinSeverity: severity,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("webhook create failed", "owner", owner, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": view(sub),
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /owners/:owner/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = view(sub)
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks})
}

// owned loads a subscription and checks it belongs to the path owner.
// It writes the error response itself and returns nil on failure.
func (h *Handler) owned(c *gin.Context) *Subscription {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && sub.Owner != c.Param("owner")) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return nil
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load webhook",
		})
		return nil
	}
	return sub
}

// DeleteWebhook handles DELETE /owners/:owner/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub := h.owned(c)
	if sub == nil {
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// TestWebhook handles POST /owners/:owner/webhooks/:webhookId/test by
// queueing a signed webhook.test event to the subscription.
func (h *Handler) TestWebhook(c *gin.Context) {
	sub := h.owned(c)
	if sub == nil {
		return
	}

	ev := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      EventTest,
		Timestamp: time.Now().UTC(),
	}
	h.dispatcher.DispatchTo(c.Request.Context(), sub, ev)

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"eventId": ev.ID,
	})
}
