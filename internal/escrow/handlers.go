package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides internal HTTP endpoints for escrow operations. These sit
// behind the platform's internal bearer token; end users never call them.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up internal escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:messageId", h.GetEscrow)
	r.GET("/escrows/:messageId/audit", h.GetAuditTrail)
	r.POST("/settlements", h.Settle)
}

// CreateEscrow handles POST /internal/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.engine.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most two fraction digits",
		})
		return
	case errors.Is(err, ErrMessageExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "message_exists",
			"message": "An escrow transaction already exists for this message",
		})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetEscrow handles GET /internal/escrows/:messageId
func (h *Handler) GetEscrow(c *gin.Context) {
	txn, err := h.engine.GetByMessageID(c.Request.Context(), c.Param("messageId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow transaction for this message",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow transaction",
		})
		return
	}

	responded, err := h.engine.HasResponse(c.Request.Context(), txn.MessageID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load response state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": txn,
		"hasResponse": responded,
	})
}

// GetAuditTrail handles GET /internal/escrows/:messageId/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	txn, err := h.engine.GetByMessageID(c.Request.Context(), c.Param("messageId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow transaction for this message",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow transaction",
		})
		return
	}

	entries, err := h.engine.AuditTrail(c.Request.Context(), txn.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load audit trail",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactionId": txn.ID, "entries": entries})
}

// SettleRequest asks the engine to resolve a message's escrow.
type SettleRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Cause     Cause  `json:"cause" binding:"required"`
}

// Settle handles POST /internal/settlements. Release and refund share one
// endpoint; the cause selects the direction.
func (h *Handler) Settle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "messageId and cause are required",
		})
		return
	}

	var (
		txn *Transaction
		err error
	)
	switch req.Cause {
	case CauseResponse, CausePayoutSetup, CauseReconciliation:
		txn, err = h.engine.Release(c.Request.Context(), req.MessageID, req.Cause, time.Time{})
	case CauseDeadline:
		txn, err = h.engine.Refund(c.Request.Context(), req.MessageID, req.Cause)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cause",
			"message": "Unsupported settlement cause",
		})
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow transaction for this message",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":       "conflict",
			"message":     "Escrow already resolved to a different terminal state",
			"transaction": txn,
		})
	case errors.Is(err, ErrAwaitingSetup):
		c.JSON(http.StatusConflict, gin.H{
			"error":       "awaiting_setup",
			"message":     "Response recorded; release replays once the payout account is active",
			"transaction": txn,
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":       "invalid_state",
			"message":     "Escrow is not in a settleable state",
			"transaction": txn,
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_failed",
			"message": "Failed to settle escrow",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"transaction": txn})
	}
}
