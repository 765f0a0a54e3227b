package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/taskchat/internal/push"
)

type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDKey returns the public key the browser needs to subscribe.
func (h *PushHandler) VAPIDKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.notifier.VAPIDPublicKey()})
}

// Subscribe stores the browser's push subscription for the current user.
func (h *PushHandler) Subscribe(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": __("push notifications disabled")})
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := h.notifier.Subscribe(c.Request.Context(), userID, sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to save subscription")})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}
