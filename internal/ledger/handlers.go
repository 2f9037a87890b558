package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pickaxe-app/pickaxe/internal/validation"
)

// Handler provides HTTP endpoints for balances and transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subjects/:id/balance", h.GetBalance)
	r.GET("/subjects/:id/transactions", h.ListTransactions)
	r.POST("/transfers", h.Transfer)
	r.POST("/exchanges", h.Exchange)
}

// GetBalance handles GET /v1/subjects/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	subjectID := c.Param("id")

	bal, err := h.service.Balance(c.Request.Context(), subjectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": bal,
		"total":   bal.Total(),
	})
}

// ListTransactions handles GET /v1/subjects/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	subjectID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, next, more, err := h.service.Transactions(c.Request.Context(), subjectID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      more,
	})
}

// TransferRequest contains the parameters for a transfer.
type TransferRequest struct {
	FromSubjectID string `json:"fromSubjectId" binding:"required"`
	ToSubjectID   string `json:"toSubjectId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubjectID("from_subject_id", req.FromSubjectID),
		validation.ValidSubjectID("to_subject_id", req.ToSubjectID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx, err := h.service.Transfer(c.Request.Context(), req.FromSubjectID, req.ToSubjectID, req.Amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "transfer_failed"
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusPaymentRequired
			code = "insufficient_balance"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// ExchangeRequest contains the parameters for an exchange.
type ExchangeRequest struct {
	SubjectID string `json:"subjectId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// Exchange handles POST /v1/exchanges
func (h *Handler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSubjectID("subject_id", req.SubjectID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	bal, tx, err := h.service.Exchange(c.Request.Context(), req.SubjectID, req.Amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "exchange_failed"
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusPaymentRequired
			code = "insufficient_balance"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":     bal,
		"transaction": tx,
	})
}
