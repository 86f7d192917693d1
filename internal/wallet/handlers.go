package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskvine/walletd/internal/auth"
	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/pagination"
	"github.com/taskvine/walletd/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service     *Service
	maxPageSize int
}

func NewHandler(service *Service, maxPageSize int) *Handler {
	return &Handler{service: service, maxPageSize: maxPageSize}
}

// RegisterRoutes sets up authenticated wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.POST("/wallet/deposits", h.CreateDeposit)
	r.POST("/wallet/withdrawals", h.CreateWithdrawal)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RegisterCallbackRoutes sets up the payment-provider callback. Guarded
// by a shared secret, not user auth.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits/:id/resolve", h.ResolveDeposit)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)

	summary, err := h.service.Summary(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": summary})
}

// AmountRequest is the body for deposits and withdrawals.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
	Method string `json:"method"`
}

func (r *AmountRequest) parse() (money.Amount, fees.Method, *validation.ValidationError) {
	if errs := validation.Validate(
		validation.ValidAmount("amount", r.Amount),
	); len(errs) > 0 {
		return 0, "", &errs[0]
	}
	amount, err := money.Parse(r.Amount)
	if err != nil {
		return 0, "", &validation.ValidationError{Field: "amount", Message: "invalid amount format"}
	}
	method := fees.Method(r.Method)
	if method == "" {
		method = fees.MethodBankTransfer
	}
	return amount, method, nil
}

// CreateDeposit handles POST /v1/wallet/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, method, verr := req.parse()
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Field + ": " + verr.Message,
		})
		return
	}

	txn, err := h.service.Deposit(c.Request.Context(), userID, amount, method)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// ResolveDeposit handles POST /v1/wallet/deposits/:id/resolve
//
// The payment provider reports the outcome of a pending deposit here.
// Retried callbacks after the first resolution get a conflict.
func (h *Handler) ResolveDeposit(c *gin.Context) {
	var req struct {
		OK bool `json:"ok"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.ResolveDeposit(c.Request.Context(), c.Param("id"), req.OK)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CreateWithdrawal handles POST /v1/wallet/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, method, verr := req.parse()
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Field + ": " + verr.Message,
		})
		return
	}

	txn, err := h.service.Withdraw(c.Request.Context(), userID, amount, method)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
//
// Callers can only read their own ledger entries.
func (h *Handler) GetTransaction(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)

	txn, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeWalletError(c, err)
		return
	}
	if txn.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/transactions
//
// Supports type, status, method, from, to, min_amount, max_amount
// filters plus two pagination modes: page/limit by default, or keyset
// when the request carries a cursor parameter (empty cursor starts from
// the newest entry). Keyset responses return nextCursor/hasMore instead
// of a total, and stay consistent while new entries land.
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.GetString(auth.CtxUserID)
	p := pagination.ParseParams(c.Query("page"), c.Query("limit"), h.maxPageSize)

	f := Filter{
		UserID: userID,
		Method: fees.Method(c.Query("method")),
	}
	for _, t := range c.QueryArray("type") {
		f.Types = append(f.Types, TxType(t))
	}
	for _, st := range c.QueryArray("status") {
		f.Statuses = append(f.Statuses, TxStatus(st))
	}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "from: must be RFC3339",
			})
			return
		}
		f.From = &ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "to: must be RFC3339",
			})
			return
		}
		f.To = &ts
	}
	if v := c.Query("min_amount"); v != "" {
		a, err := money.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "min_amount: invalid amount format",
			})
			return
		}
		f.MinAmount = &a
	}
	if v := c.Query("max_amount"); v != "" {
		a, err := money.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "max_amount: invalid amount format",
			})
			return
		}
		f.MaxAmount = &a
	}

	if c.Request.URL.Query().Has("cursor") {
		cur, err := pagination.Decode(c.Query("cursor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "cursor: invalid cursor",
			})
			return
		}
		f.Cursor = cur
		f.Limit = p.Limit + 1

		txns, _, err := h.service.ListTransactions(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to list transactions",
			})
			return
		}
		page, next, more := pagination.ComputePage(txns, p.Limit, func(t *Transaction) (time.Time, string) {
			return t.CreatedAt, t.ID
		})
		c.JSON(http.StatusOK, gin.H{
			"transactions": page,
			"nextCursor":   next,
			"hasMore":      more,
			"limit":        p.Limit,
		})
		return
	}

	f.Limit = p.Limit
	f.Offset = p.Offset()
	txns, total, err := h.service.ListTransactions(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
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

// writeWalletError maps domain errors to HTTP responses.
func writeWalletError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		status = http.StatusConflict
		code = "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		code = "store_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
