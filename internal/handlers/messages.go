package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/models"
	"github.com/4xmen/taskchat/internal/rooms"
)

// OnlineChecker interface for checking user online status
type OnlineChecker interface {
	IsUserOnline(userID int) bool
	OnlineUsers() []int
}

// Broadcaster pushes an event to every member of a room.
type Broadcaster interface {
	Broadcast(roomID, event string, data any)
}

type MessageHandler struct {
	db            *db.DB
	onlineChecker OnlineChecker
	broadcaster   Broadcaster
}

// NewMessageHandler wires the handler to the hub. The hub may be nil in
// which case nobody is reported online and deletes are not broadcast.
func NewMessageHandler(database *db.DB, onlineChecker OnlineChecker) *MessageHandler {
	var broadcaster Broadcaster
	if b, ok := onlineChecker.(Broadcaster); ok {
		broadcaster = b
	}
	return &MessageHandler{db: database, onlineChecker: onlineChecker, broadcaster: broadcaster}
}

func currentUser(c *gin.Context) (int, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return 0, false
	}
	return userID.(int), true
}

// authorizeRoom parses the key and checks the user may read the room.
func (h *MessageHandler) authorizeRoom(c *gin.Context, raw string, userID int) (rooms.Key, bool) {
	key, err := rooms.ParseKey(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid room id")})
		return key, false
	}

	switch key.Type {
	case models.RoomDirect:
		if !key.HasMember(userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": __("not a member of this room")})
			return key, false
		}
	case models.RoomTask:
		ok, err := h.db.CanJoinTask(c.Request.Context(), key.A, key.B, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
			return key, false
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": __("not assigned to this task")})
			return key, false
		}
	}
	return key, true
}

// GetRoomMessages returns a page of room history, oldest first. Older
// pages are fetched with ?before=<oldest id>.
func (h *MessageHandler) GetRoomMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	key, ok := h.authorizeRoom(c, c.Param("roomId"), userID)
	if !ok {
		return
	}

	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}

	messages, err := h.db.RoomMessages(c.Request.Context(), key.String(), before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to fetch messages")})
		return
	}

	c.JSON(http.StatusOK, models.MessageHistoryEvent{
		RoomID:   key.String(),
		RoomType: key.Type,
		Messages: messages,
	})
}

// DeleteMessage deletes a message (only sender can delete)
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid message id")})
		return
	}

	roomID, err := h.db.DeleteMessage(c.Request.Context(), messageID, userID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": __("message not found")})
		return
	case errors.Is(err, db.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": __("can only delete own messages")})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to delete message")})
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.Broadcast(roomID, models.EventMessageDeleted, models.DeleteMessagePayload{
			MessageID: models.MessageID(strconv.FormatInt(messageID, 10)),
			RoomID:    roomID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetOnlineUsers lists the ids of users with an open socket.
func (h *MessageHandler) GetOnlineUsers(c *gin.Context) {
	ids := []int{}
	if h.onlineChecker != nil {
		ids = h.onlineChecker.OnlineUsers()
	}
	c.JSON(http.StatusOK, gin.H{"users": ids})
}

type assigneeResponse struct {
	models.Sender
	IsOnline bool `json:"is_online"`
}

func taskParams(c *gin.Context) (projectID, taskID int, ok bool) {
	projectID, errP := strconv.Atoi(c.Param("projectId"))
	taskID, errT := strconv.Atoi(c.Param("taskId"))
	if errP != nil || errT != nil || projectID < 0 || taskID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid project or task id")})
		return 0, 0, false
	}
	return projectID, taskID, true
}

// GetTaskAssignees lists the users allowed in a task room.
func (h *MessageHandler) GetTaskAssignees(c *gin.Context) {
	projectID, taskID, ok := taskParams(c)
	if !ok {
		return
	}

	assignees, err := h.db.TaskAssignees(c.Request.Context(), projectID, taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
		return
	}

	result := make([]assigneeResponse, 0, len(assignees))
	for _, a := range assignees {
		online := h.onlineChecker != nil && h.onlineChecker.IsUserOnline(a.ID)
		result = append(result, assigneeResponse{Sender: a, IsOnline: online})
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":    rooms.TaskKey(projectID, taskID),
		"assignees": result,
	})
}

// authorizeTaskEdit allows assignee changes only to current assignees, or
// to anyone while the task has none.
func (h *MessageHandler) authorizeTaskEdit(c *gin.Context, projectID, taskID int) bool {
	callerID, ok := currentUser(c)
	if !ok {
		return false
	}
	allowed, err := h.db.CanJoinTask(c.Request.Context(), projectID, taskID, callerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": __("not assigned to this task")})
		return false
	}
	return true
}

func (h *MessageHandler) AssignUser(c *gin.Context) {
	projectID, taskID, ok := taskParams(c)
	if !ok {
		return
	}
	userID, err := strconv.Atoi(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}
	if !h.authorizeTaskEdit(c, projectID, taskID) {
		return
	}

	err = h.db.SetTaskAssignee(c.Request.Context(), projectID, taskID, userID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("user not found")})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to assign user")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

func (h *MessageHandler) UnassignUser(c *gin.Context) {
	projectID, taskID, ok := taskParams(c)
	if !ok {
		return
	}
	userID, err := strconv.Atoi(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}
	if !h.authorizeTaskEdit(c, projectID, taskID) {
		return
	}

	err = h.db.RemoveTaskAssignee(c.Request.Context(), projectID, taskID, userID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to unassign user")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unassigned"})
}
