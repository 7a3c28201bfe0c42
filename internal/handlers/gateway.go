package handlers

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/metrics"
	"github.com/mossy-p/realtime-core/internal/presence"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/signaling"
	"github.com/mossy-p/realtime-core/internal/store"
	"go.uber.org/zap"
)

// GatewayConfig holds the socket-level settings.
type GatewayConfig struct {
	JWTSecret       string
	RequireToken    bool
	AuthGraceFrames int
	SendBuffer      int
}

// Services are the components frames are dispatched to.
type Services struct {
	Registry *registry.Registry
	Router   *messaging.Router
	Calls    *signaling.Coordinator
	Presence *presence.Tracker
	Users    store.UserStore
	// optional; refreshed on every heartbeat
	Heartbeats HeartbeatSink
}

// HeartbeatSink is told when a user proves liveness.
type HeartbeatSink interface {
	Refresh(ctx context.Context, userID int64) error
}

// Gateway owns the websocket endpoint and turns frames into component calls.
type Gateway struct {
	cfg      GatewayConfig
	reg      *registry.Registry
	router   *messaging.Router
	calls    *signaling.Coordinator
	presence *presence.Tracker
	users    store.UserStore
	beats    HeartbeatSink
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

func NewGateway(cfg GatewayConfig, svc Services, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Gateway{
		cfg:      cfg,
		reg:      svc.Registry,
		router:   svc.Router,
		calls:    svc.Calls,
		presence: svc.Presence,
		users:    svc.Users,
		beats:    svc.Heartbeats,
		logger:   logging.OrNop(logger),
		metrics:  m,
		clients:  make(map[string]*Client),
	}
}

func (g *Gateway) track(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	return true
}

func (g *Gateway) untrack(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c.id)
}

// Shutdown closes every open socket with a going-away code and refuses new ones.
// http.Server.Shutdown does not touch hijacked connections, so this must be called as well.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	g.logger.Info("gateway closed", zap.Int("connections", len(clients)))
}

// OpenConnections returns the number of sockets currently served.
func (g *Gateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) heartbeat(ctx context.Context, userID int64) {
	g.presence.Touch(userID)
	if g.beats == nil {
		return
	}
	if err := g.beats.Refresh(ctx, userID); err != nil {
		g.logger.Debug("heartbeat refresh", zap.Int64("user_id", userID), zap.Error(err))
	}
}
