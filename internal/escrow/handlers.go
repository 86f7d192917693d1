package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskvine/walletd/internal/auth"
	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/pagination"
	"github.com/taskvine/walletd/internal/validation"
	"github.com/taskvine/walletd/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service     *Service
	maxPageSize int
}

func NewHandler(service *Service, maxPageSize int) *Handler {
	return &Handler{service: service, maxPageSize: maxPageSize}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/complaint", h.FileComplaint)
	r.GET("/fees/preview", h.PreviewFees)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// actorFromContext builds the acting identity from the auth middleware's
// context values.
func actorFromContext(c *gin.Context) Actor {
	return Actor{
		ID:   c.GetString(auth.CtxUserID),
		Role: Role(c.GetString(auth.CtxRole)),
	}
}

// CreateEscrow handles POST /v1/escrows
//
// The authenticated caller is always the payer; the payer field in the
// body is ignored.
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.PayerID = c.GetString(auth.CtxUserID)

	if errs := validation.Validate(
		validation.Required("payeeId", req.PayeeID),
		validation.ValidUserID("payeeId", req.PayeeID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
//
// Only the parties and admins can see an escrow.
func (h *Handler) GetEscrow(c *gin.Context) {
	actor := actorFromContext(c)

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	if !actor.IsAdmin() && actor.ID != e.PayerID && actor.ID != e.PayeeID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows
//
// Non-admins see only escrows they are a party to.
func (h *Handler) ListEscrows(c *gin.Context) {
	actor := actorFromContext(c)
	p := pagination.ParseParams(c.Query("page"), c.Query("limit"), h.maxPageSize)

	f := Filter{
		Limit:  p.Limit,
		Offset: p.Offset(),
	}
	if st := c.Query("status"); st != "" {
		f.Statuses = append(f.Statuses, Status(st))
	}
	if actor.IsAdmin() {
		f.UserID = c.Query("party")
	} else {
		f.UserID = actor.ID
	}

	escrows, total, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrows",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"total":   total,
		"page":    p.Page,
		"limit":   p.Limit,
	})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	e, err := h.service.Release(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /v1/admin/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// PreviewFees handles GET /v1/fees/preview?amount=100.00&method=card
//
// Returns the fee split a booking of that amount would freeze, without
// moving any funds.
func (h *Handler) PreviewFees(c *gin.Context) {
	amount, err := money.Parse(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Invalid amount",
		})
		return
	}
	method := fees.Method(c.DefaultQuery("method", string(fees.MethodBankTransfer)))

	breakdown, err := h.service.QuoteFees(amount, method)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fees": breakdown})
}

// ComplaintRequest is the body for filing a complaint.
type ComplaintRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// FileComplaint handles POST /v1/escrows/:id/complaint
func (h *Handler) FileComplaint(c *gin.Context) {
	var req ComplaintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxDescriptionLength)

	e, err := h.service.FileComplaint(c.Request.Context(), c.Param("id"), actorFromContext(c), reason)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// writeEscrowError maps domain errors to HTTP responses.
func writeEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrAlreadyDisputed):
		status = http.StatusConflict
		code = "already_disputed"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		// Surfaces through the ledger wrap on Create.
		status = http.StatusConflict
		code = "insufficient_balance"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
