package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/pagination"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes. Authentication is an outer
// concern; handlers take the acting party explicitly.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/participants/:id/orders", h.ListOrders)
	r.POST("/orders/:id/accept", h.AcceptOrder)
	r.POST("/orders/:id/payment-sent", h.MarkPaymentSent)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// actorRequest carries the acting party for order mutations.
type actorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// acceptRequest carries the merchant's wallet proof. WalletSignature is
// the acceptor wallet's personal-sign over the order's acceptance
// challenge; optional until every client wires signing.
type acceptRequest struct {
	MerchantID      string `json:"merchantId" binding:"required"`
	AcceptorWallet  string `json:"acceptorWallet" binding:"required"`
	WalletSignature string `json:"walletSignature"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id := c.Param("id")

	o, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/participants/:id/orders
func (h *Handler) ListOrders(c *gin.Context) {
	participantID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra row to detect whether another page exists.
	orders, err := h.service.ListByParticipant(c.Request.Context(), participantID, limit+1, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	orders, nextCursor, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	resp := gin.H{
		"orders":  orders,
		"count":   len(orders),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// AcceptOrder handles POST /v1/orders/:id/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	id := c.Param("id")

	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "merchantId and acceptorWallet are required",
		})
		return
	}

	o, err := h.service.Accept(c.Request.Context(), id, req.MerchantID, req.AcceptorWallet, req.WalletSignature)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// MarkPaymentSent handles POST /v1/orders/:id/payment-sent
func (h *Handler) MarkPaymentSent(c *gin.Context) {
	id := c.Param("id")

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return
	}

	o, err := h.service.MarkPaymentSent(c.Request.Context(), id, req.ActorID)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	id := c.Param("id")

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return
	}

	o, err := h.service.Cancel(c.Request.Context(), id, req.ActorID)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// writeOrderError maps service errors to HTTP responses.
func writeOrderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleStatus),
		errors.Is(err, ErrNotCancellable):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, chain.ErrBadOwnershipProof):
		status = http.StatusBadRequest
		code = "invalid_proof"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
