package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/settlement"
)

// RegisterRoutes wires the dispute endpoints onto the router group.
func RegisterRoutes(r *gin.RouterGroup, s *Service) {
	r.POST("/orders/:id/dispute", openDisputeHandler(s))
	r.GET("/orders/:id/dispute", getOrderDisputeHandler(s))
	r.GET("/disputes/:id", getDisputeHandler(s))
	r.POST("/disputes/:id/resolution", proposeResolutionHandler(s))
	r.POST("/disputes/:id/respond", respondHandler(s))
	r.POST("/disputes/:id/force-resolve", forceResolveHandler(s))
}

type openRequest struct {
	InitiatorID string `json:"initiatorId" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

type proposalRequest struct {
	ArbiterID  string `json:"arbiterId" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
}

type respondRequest struct {
	ResponderID string `json:"responderId" binding:"required"`
	Accept      *bool  `json:"accept" binding:"required"`
}

type arbiterRequest struct {
	ArbiterID string `json:"arbiterId" binding:"required"`
}

func openDisputeHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		d, err := s.Open(c.Request.Context(), c.Param("id"), req.InitiatorID, req.Reason, req.Description)
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, d)
	}
}

func getDisputeHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := s.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func getOrderDisputeHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := s.GetByOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func proposeResolutionHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req proposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		d, err := s.ProposeResolution(c.Request.Context(), c.Param("id"), req.ArbiterID, Resolution(req.Resolution), req.Notes)
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func respondHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req respondRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		d, err := s.Respond(c.Request.Context(), c.Param("id"), req.ResponderID, *req.Accept)
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func forceResolveHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req arbiterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		d, err := s.ForceResolve(c.Request.Context(), c.Param("id"), req.ArbiterID)
		if err != nil {
			writeDisputeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrPendingReconciliation):
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "pending_reconciliation",
			"message": "Ledger outcome unknown; flagged for reconciliation. Do not retry.",
		})
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDisputeOpen),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrOrderNotDisputable),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrStaleStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
