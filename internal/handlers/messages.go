package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/middleware"
	"github.com/mossy-p/realtime-core/internal/models"
	"go.uber.org/zap"
)

// RecentMessages returns the caller's latest messages, oldest first.
func RecentMessages(router *messaging.Router, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		msgs, err := router.Recent(c.Request.Context(), userID, queryLimit(c))
		if err != nil {
			logger.Error("recent messages", zap.Int64("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

// Conversation returns the messages between the caller and :userId, oldest first.
func Conversation(router *messaging.Router, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		other, err := strconv.ParseInt(c.Param("userId"), 10, 64)
		if err != nil || other <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId must be a positive integer"})
			return
		}

		msgs, err := router.History(c.Request.Context(), userID, other, queryLimit(c))
		if err != nil {
			logger.Error("conversation", zap.Int64("user_id", userID), zap.Int64("other", other), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

// MarkRead marks :id read on behalf of the caller.
func MarkRead(router *messaging.Router, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
			return
		}

		msg, err := router.MarkRead(c.Request.Context(), id, userID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, msg)
		case errors.Is(err, models.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
		case errors.Is(err, models.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the recipient can mark a message read"})
		default:
			logger.Error("mark read", zap.Int64("message_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update message"})
		}
	}
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}
