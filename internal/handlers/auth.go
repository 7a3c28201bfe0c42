package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-core/internal/middleware"
	"github.com/mossy-p/realtime-core/internal/store"
	"go.uber.org/zap"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	UserID int64 `json:"userId" binding:"required,gt=0"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
}

// Login issues a JWT for an existing user. Credential checks belong to the
// account service in front of this one; here a known user id is enough.
func Login(jwtSecret string, users store.UserStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		exists, err := users.Exists(c.Request.Context(), req.UserID)
		if err != nil {
			logger.Error("user lookup failed", zap.Int64("user_id", req.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to look up user",
			})
			return
		}
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Unknown user",
			})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, req.UserID, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: req.UserID,
		})
	}
}
