package fire

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskvine/walletd/internal/auth"
	"github.com/taskvine/walletd/internal/pagination"
	"github.com/taskvine/walletd/internal/wallet"
)

// Handler provides HTTP endpoints for the fire economy.
type Handler struct {
	service     *Service
	maxPageSize int
}

func NewHandler(service *Service, maxPageSize int) *Handler {
	return &Handler{service: service, maxPageSize: maxPageSize}
}

// RegisterRoutes sets up authenticated fire routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fire", h.GetBalance)
	r.POST("/fire/purchase", h.Purchase)
	r.POST("/fire/daily-login", h.ClaimDailyLogin)
	r.POST("/fire/boosts", h.ActivateBoost)
	r.GET("/fire/boosts", h.ActiveBoosts)
	r.GET("/fire/transactions", h.ListTransactions)
}

// GetBalance handles GET /v1/fire
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.service.GetBalance(c.Request.Context(), c.GetString(auth.CtxUserID))
	if err != nil {
		writeFireError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PurchaseRequest is the body for buying fire with wallet funds.
type PurchaseRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Purchase handles POST /v1/fire/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.Purchase(c.Request.Context(), c.GetString(auth.CtxUserID), req.Amount)
	if err != nil {
		writeFireError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// ClaimDailyLogin handles POST /v1/fire/daily-login
func (h *Handler) ClaimDailyLogin(c *gin.Context) {
	txn, err := h.service.ClaimDailyLogin(c.Request.Context(), c.GetString(auth.CtxUserID))
	if err != nil {
		writeFireError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// BoostRequest is the body for activating a boost.
type BoostRequest struct {
	Type string `json:"type" binding:"required"`
}

// ActivateBoost handles POST /v1/fire/boosts
func (h *Handler) ActivateBoost(c *gin.Context) {
	var req BoostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	boost, err := h.service.ActivateBoost(c.Request.Context(), c.GetString(auth.CtxUserID), BoostType(req.Type))
	if err != nil {
		writeFireError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"boost": boost})
}

// ActiveBoosts handles GET /v1/fire/boosts
func (h *Handler) ActiveBoosts(c *gin.Context) {
	boosts, err := h.service.ActiveBoosts(c.Request.Context(), c.GetString(auth.CtxUserID))
	if err != nil {
		writeFireError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"boosts": boosts, "count": len(boosts)})
}

// ListTransactions handles GET /v1/fire/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	p := pagination.ParseParams(c.Query("page"), c.Query("limit"), h.maxPageSize)

	txns, total, err := h.service.ListTransactions(c.Request.Context(),
		c.GetString(auth.CtxUserID), p.Limit, p.Offset())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list fire transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"total":        total,
		"page":         p.Page,
		"limit":        p.Limit,
	})
}

// writeFireError maps domain errors to HTTP responses.
func writeFireError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrBalanceNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyClaimedToday):
		status = http.StatusConflict
		code = "already_claimed_today"
	case errors.Is(err, ErrInsufficientFire):
		status = http.StatusConflict
		code = "insufficient_fire"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		status = http.StatusConflict
		code = "insufficient_balance"
	case errors.Is(err, ErrInvalidBoostType), errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
