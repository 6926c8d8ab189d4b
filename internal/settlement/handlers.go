package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/order"
)

// Handler provides HTTP endpoints for settlement actions.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new settlement handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/lock", h.LockEscrow)
	r.POST("/orders/:id/payment-confirmed", h.ConfirmFiatReceived)
}

type actorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// LockEscrow handles POST /v1/orders/:id/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	id := c.Param("id")

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return
	}

	o, err := h.coordinator.Lock(c.Request.Context(), id, req.ActorID)
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmFiatReceived handles POST /v1/orders/:id/payment-confirmed
func (h *Handler) ConfirmFiatReceived(c *gin.Context) {
	id := c.Param("id")

	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return
	}

	o, err := h.coordinator.ConfirmFiatReceived(c.Request.Context(), id, req.ActorID)
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// writeSettlementError maps coordinator errors to HTTP responses. The
// pending-reconciliation case is deliberately a 202: the money moved,
// the record will catch up, and the client must not retry.
func writeSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, order.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrPendingReconciliation):
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "pending_reconciliation",
			"message": "Settlement is confirming; please wait. Do not retry.",
			"detail":  err.Error(),
		})
	case errors.Is(err, chain.ErrSigningRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "signing_rejected", "message": "Wallet declined to sign; no funds moved. Safe to retry."})
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStaleStatus),
		errors.Is(err, order.ErrTxConflict), errors.Is(err, ErrNoEscrowRefs), errors.Is(err, ErrWrongWallet):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_failed", "message": err.Error()})
	}
}
