package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fiatbridge/fiatbridge/internal/idgen"
	"github.com/fiatbridge/fiatbridge/internal/security"
)

// RegisterRoutes wires subscription management onto the router group.
func RegisterRoutes(r *gin.RouterGroup, store SubscriptionStore) {
	r.POST("/webhooks", createSubscriptionHandler(store))
	r.GET("/webhooks", listSubscriptionsHandler(store))
	r.DELETE("/webhooks/:id", deleteSubscriptionHandler(store))
}

type subscriptionRequest struct {
	URL      string   `json:"url" binding:"required,url"`
	Secret   string   `json:"secret" binding:"required,min=16"`
	Statuses []string `json:"statuses"`
}

func createSubscriptionHandler(store SubscriptionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		// The server will POST to this URL; block SSRF targets.
		if err := security.ValidateEndpointURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
			return
		}
		sub := &Subscription{
			ID:        idgen.WithPrefix("sub_"),
			URL:       req.URL,
			Secret:    req.Secret,
			Statuses:  req.Statuses,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.Create(c.Request.Context(), sub); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, sub)
	}
}

func listSubscriptionsHandler(store SubscriptionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := store.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
	}
}

func deleteSubscriptionHandler(store SubscriptionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := store.Delete(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
