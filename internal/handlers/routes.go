package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/middleware"
	"github.com/mossy-p/realtime-core/internal/presence"
	"github.com/mossy-p/realtime-core/internal/store"
	"go.uber.org/zap"
)

// Routes is everything the HTTP surface needs.
type Routes struct {
	Gateway        *Gateway
	Router         *messaging.Router
	Presence       *presence.Tracker
	Users          store.UserStore
	JWTSecret      string
	AllowedOrigins []string
	// served on /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// Register mounts every route on r.
func (rt Routes) Register(r *gin.Engine) {
	logger := logging.OrNop(rt.Logger)

	// Global CORS middleware (runs before routing)
	r.Use(OriginFilter(rt.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": rt.Gateway.OpenConnections(),
		})
	})
	if rt.Metrics != nil {
		r.GET("/metrics", gin.WrapH(rt.Metrics))
	}

	api := r.Group("/api")
	{
		// Login endpoint (public)
		api.POST("/auth/login", Login(rt.JWTSecret, rt.Users, logger))

		authed := api.Group("", middleware.JWTAuth(rt.JWTSecret))
		authed.GET("/messages/recent", RecentMessages(rt.Router, logger))
		authed.GET("/messages/with/:userId", Conversation(rt.Router, logger))
		authed.PATCH("/messages/:id/read", MarkRead(rt.Router, logger))
		authed.GET("/presence", PresenceStatus(rt.Presence))
	}

	// Realtime socket; authentication happens in-band with the auth frame
	r.GET("/ws", rt.Gateway.HandleWebSocket)
}
