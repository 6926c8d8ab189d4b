package extension

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/fiatbridge/internal/order"
)

// RegisterRoutes wires the extension endpoints onto the router group.
func RegisterRoutes(r *gin.RouterGroup, n *Negotiator) {
	r.POST("/orders/:id/extension", requestHandler(n))
	r.POST("/orders/:id/extension/respond", respondHandler(n))
}

type requestBody struct {
	RequesterID string `json:"requesterId" binding:"required"`
}

type respondBody struct {
	ResponderID string `json:"responderId" binding:"required"`
	Accept      *bool  `json:"accept" binding:"required"`
}

func requestHandler(n *Negotiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req requestBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		o, err := n.Request(c.Request.Context(), c.Param("id"), req.RequesterID)
		if err != nil {
			writeExtensionError(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func respondHandler(n *Negotiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req respondBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		o, err := n.Respond(c.Request.Context(), c.Param("id"), req.ResponderID, *req.Accept)
		if err != nil {
			writeExtensionError(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func writeExtensionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, order.ErrUnauthorized), errors.Is(err, ErrOwnRequest):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, order.ErrExtensionPending),
		errors.Is(err, order.ErrNoExtensionPending),
		errors.Is(err, order.ErrExtensionLimit),
		errors.Is(err, ErrDeadlinePassed),
		errors.Is(err, ErrNotExtendable):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
