package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskvine/walletd/internal/auth"
	"github.com/taskvine/walletd/internal/escrow"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/pagination"
	"github.com/taskvine/walletd/internal/validation"
)

// Handler provides HTTP endpoints for complaint handling.
type Handler struct {
	service     *Service
	maxPageSize int
}

func NewHandler(service *Service, maxPageSize int) *Handler {
	return &Handler{service: service, maxPageSize: maxPageSize}
}

// RegisterRoutes sets up authenticated complaint routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.FileComplaint)
	r.GET("/escrows/:id/dispute", h.GetByEscrow)
}

// RegisterAdminRoutes sets up the arbitration console routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListComplaints)
	r.GET("/disputes/:id", h.GetComplaint)
	r.POST("/disputes/:id/resolve", h.ResolveComplaint)
}

func actorFromContext(c *gin.Context) escrow.Actor {
	return escrow.Actor{
		ID:   c.GetString(auth.CtxUserID),
		Role: escrow.Role(c.GetString(auth.CtxRole)),
	}
}

// FileRequest is the body for filing a complaint.
type FileRequest struct {
	EscrowID string `json:"escrowId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// FileComplaint handles POST /v1/disputes
func (h *Handler) FileComplaint(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxDescriptionLength)

	complaint, err := h.service.File(c.Request.Context(), req.EscrowID, actorFromContext(c), reason)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": complaint})
}

// GetByEscrow handles GET /v1/escrows/:id/dispute
func (h *Handler) GetByEscrow(c *gin.Context) {
	complaint, err := h.service.GetByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	actor := actorFromContext(c)
	if !actor.IsAdmin() && actor.ID != complaint.FiledBy {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": complaint})
}

// GetComplaint handles GET /v1/admin/disputes/:id
func (h *Handler) GetComplaint(c *gin.Context) {
	complaint, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": complaint})
}

// ListComplaints handles GET /v1/admin/disputes
//
// Defaults to open complaints; pass all=true for full history.
func (h *Handler) ListComplaints(c *gin.Context) {
	p := pagination.ParseParams(c.Query("page"), c.Query("limit"), h.maxPageSize)
	onlyOpen := c.Query("all") != "true"

	complaints, total, err := h.service.List(c.Request.Context(), onlyOpen, p.Limit, p.Offset())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list disputes",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": complaints,
		"total":    total,
		"page":     p.Page,
		"limit":    p.Limit,
	})
}

// ResolveRequest is the body for resolving a complaint.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Payout  string `json:"payout"` // required for partial outcomes
	Note    string `json:"note"`
}

// ResolveComplaint handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveComplaint(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	var payout money.Amount
	if req.Payout != "" {
		var err error
		payout, err = money.Parse(req.Payout)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "payout: invalid amount format",
			})
			return
		}
	}
	note := validation.SanitizeString(req.Note, validation.MaxDescriptionLength)

	complaint, err := h.service.Resolve(c.Request.Context(), c.Param("id"),
		actorFromContext(c), Outcome(req.Outcome), payout, note)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": complaint})
}

// writeDisputeError maps domain errors to HTTP responses.
func writeDisputeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrComplaintNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, escrow.ErrAlreadyDisputed):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, ErrEmptyReason), errors.Is(err, ErrInvalidOutcome):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, escrow.ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
