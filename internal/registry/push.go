package registry

import (
	"github.com/mossy-p/realtime-core/internal/models"
	"go.uber.org/zap"
)

// Push encodes frame once and enqueues it on every live connection of userID
// except exceptConnID. It returns how many connections accepted the frame.
// Delivery is best effort: an offline user simply receives nothing.
func (r *Registry) Push(userID int64, frame *models.Frame, exceptConnID string) int {
	conns := r.ConnectionsFor(userID)
	if len(conns) == 0 {
		return 0
	}
	data, err := frame.Encode()
	if err != nil {
		r.logger.Error("encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c.ID() == exceptConnID {
			continue
		}
		ok := c.Send(data)
		r.metrics.Pushed(string(frame.Type), ok)
		if !ok {
			r.logger.Warn("send buffer full, frame dropped",
				zap.Int64("user_id", userID), zap.String("conn_id", c.ID()), zap.String("type", string(frame.Type)))
			continue
		}
		delivered++
	}
	return delivered
}

// Reply sends a frame to one connection.
func (r *Registry) Reply(conn Conn, frame *models.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		r.logger.Error("encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return false
	}
	ok := conn.Send(data)
	r.metrics.Pushed(string(frame.Type), ok)
	return ok
}

// SendTo delivers a frame to a single connection by id, if it is still bound.
func (r *Registry) SendTo(connID string, frame *models.Frame) bool {
	r.mu.RLock()
	b, ok := r.byConn[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.Reply(b.conn, frame)
}
