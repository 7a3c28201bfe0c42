// Package registrytest provides an in-memory connection for tests that drive
// components through the registry without a real socket.
package registrytest

import (
	"encoding/json"
	"sync"

	"github.com/mossy-p/realtime-core/internal/models"
)

// Conn records every frame sent to it.
type Conn struct {
	id   string
	mu   sync.Mutex
	full bool
	sent [][]byte
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return true
}

// SetFull makes subsequent sends fail as if the buffer were saturated.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

// Frames decodes everything sent so far, oldest first.
func (c *Conn) Frames() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Frame, 0, len(c.sent))
	for _, raw := range c.sent {
		var f models.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Types lists the frame types received, oldest first.
func (c *Conn) Types() []models.FrameType {
	frames := c.Frames()
	out := make([]models.FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// Last returns the most recent frame, or false if nothing was sent.
func (c *Conn) Last() (models.Frame, bool) {
	frames := c.Frames()
	if len(frames) == 0 {
		return models.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset forgets recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
