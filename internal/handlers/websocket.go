package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one websocket connection. It satisfies registry.Conn.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// owned by readPump
	userID       int64
	unauthFrames int
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues data without blocking. It returns false once the client is
// closed or its buffer is full.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump, which sends code and reason before closing the socket.
func (c *Client) close(code int, reason string) {
	c.once.Do(func() {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		close(c.done)
	})
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
// The connection is anonymous until it sends an auth frame.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(conn, g.cfg.SendBuffer)
	if !g.track(client) {
		client.close(websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	g.metrics.ConnectionOpened()
	g.logger.Debug("connection opened", zap.String("conn_id", client.id), zap.String("remote", c.ClientIP()))

	go client.writePump(g.logger)
	go g.readPump(client)
}

func (g *Gateway) readPump(c *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if c.userID != 0 {
			g.reg.Unbind(c)
		}
		g.untrack(c)
		c.close(websocket.CloseNormalClosure, "")
		c.conn.Close()
		g.metrics.ConnectionClosed()
		g.logger.Debug("connection closed", zap.String("conn_id", c.id), zap.Int64("user_id", c.userID))
	}()

	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.userID != 0 {
			g.heartbeat(ctx, c.userID)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				g.logger.Info("websocket error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		if !g.handleFrame(ctx, c, message) {
			c.close(websocket.ClosePolicyViolation, "authentication required")
			return
		}
	}
}

func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("failed to write message", zap.String("conn_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
