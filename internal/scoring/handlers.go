package scoring

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txrisk/internal/history"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/risk"
	"github.com/mbd888/txrisk/internal/validation"
)

// Handler provides HTTP endpoints for scoring and history.
type Handler struct {
	service *Service
}

// NewHandler creates a new scoring handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up scoring routes. limit, when non-nil, guards the
// endpoints that run the engine or write history.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	guarded := []gin.HandlerFunc{}
	if limit != nil {
		guarded = append(guarded, limit)
	}

	r.POST("/assessments", append(guarded, h.Assess)...)
	r.GET("/engine", h.EngineInfo)

	users := r.Group("/users/:id", validation.UserParamMiddleware())
	users.GET("/assessments", h.ListAssessments)
	users.GET("/history", h.GetHistory)
	users.POST("/transactions", append(guarded, h.RecordTransaction)...)
	users.PUT("/account", h.OpenAccount)
}

func validateTransaction(tx *risk.TransactionRecord) validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Identifier("userId", tx.UserID),
		validation.Identifier("sender", tx.Sender),
		validation.Required("recipient", tx.Recipient),
		validation.Identifier("recipient", tx.Recipient),
		validation.NonNegative("amountUsd", tx.AmountUSD),
		validation.Range("recipientRiskScore", tx.RecipientRiskScore, 0, 100),
		validation.IntRange("kycLevel", tx.KYCLevel, 0, 3),
		validation.NonNegative("gasPrice", tx.GasPrice),
		validation.Range("networkCongestion", tx.NetworkCongestion, 0, 1),
	}
	if tx.UserID == "" {
		checks = append(checks, validation.Required("sender", tx.Sender))
	}
	return validation.Validate(checks...)
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Assess handles POST /v1/assessments
func (h *Handler) Assess(c *gin.Context) {
	var req AssessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validateTransaction(&req.Transaction); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	stored, err := h.service.Assess(c.Request.Context(), req, SourceHTTP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": stored})
}

// EngineInfo handles GET /v1/engine
func (h *Handler) EngineInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": h.service.Strategies()})
}

// ListAssessments handles GET /v1/users/:id/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	userID := c.GetString("userID")
	limit := DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	list, err := h.service.ListAssessments(c.Request.Context(), userID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list assessments failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}
	if list == nil {
		list = []*risk.StoredAssessment{}
	}

	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}

// RecordTransactionRequest is the body of POST /v1/users/:id/transactions.
type RecordTransactionRequest struct {
	Recipient string  `json:"recipient"`
	AmountUSD float64 `json:"amountUsd"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix milliseconds; defaults to now
}

// RecordTransaction handles POST /v1/users/:id/transactions
func (h *Handler) RecordTransaction(c *gin.Context) {
	userID := c.GetString("userID")
	var req RecordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("recipient", req.Recipient),
		validation.Identifier("recipient", req.Recipient),
		validation.NonNegative("amountUsd", req.AmountUSD),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	tx := risk.TxSummary{Recipient: req.Recipient, AmountUSD: req.AmountUSD, Timestamp: req.Timestamp}
	if err := h.service.RecordTransaction(c.Request.Context(), userID, tx); err != nil {
		if errors.Is(err, history.ErrInvalidUser) || errors.Is(err, history.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("record transaction failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record transaction",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"recorded": true, "userId": userID})
}

// GetHistory handles GET /v1/users/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.GetString("userID")
	hist, err := h.service.History(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("load history failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "history": hist})
}

// OpenAccountRequest seeds an account's creation time.
type OpenAccountRequest struct {
	CreatedAt time.Time `json:"createdAt"`
}

// OpenAccount handles PUT /users/:id/account
func (h *Handler) OpenAccount(c *gin.Context) {
	userID := c.GetString("userID")
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.OpenAccount(c.Request.Context(), userID, req.CreatedAt); err != nil {
		if errors.Is(err, ErrFutureAccount) || errors.Is(err, history.ErrInvalidUser) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("open account failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to open account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"userId": userID})
}
