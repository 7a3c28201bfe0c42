package signaling

import (
	"context"
	"time"

	"github.com/mossy-p/realtime-core/internal/models"
	"go.uber.org/zap"
)

// Run reaps idle sessions every interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.Reap(ctx, now); n > 0 {
				c.logger.Info("reaped idle calls", zap.Int("count", n))
			}
		}
	}
}

// Reap ends every session that has not transitioned within its state's timeout,
// sending call-ended to both participants. It returns how many were removed.
func (c *Coordinator) Reap(ctx context.Context, now time.Time) int {
	var missed []models.CallSession

	c.mu.Lock()
	reaped := 0
	for _, s := range c.sessions {
		timeout := c.timeouts.forState(s.State)
		if timeout <= 0 || now.Sub(s.LastActivityAt) < timeout {
			continue
		}
		if s.State == models.CallOffered {
			missed = append(missed, *s)
		}
		c.endLocked(s, "reaped")
		for _, side := range [][2]int64{{s.CallerID, s.CalleeID}, {s.CalleeID, s.CallerID}} {
			c.reg.Push(side[0], &models.Frame{
				Type:         models.FrameCallEnded,
				CallID:       s.CallID,
				FromUserID:   side[1],
				TargetUserID: side[0],
				Error:        "call timed out",
			}, "")
		}
		reaped++
	}
	c.mu.Unlock()

	for _, s := range missed {
		c.missedCall(ctx, s.CalleeID, s.CallerID)
	}
	return reaped
}

// handleDisconnect ends offered or answered calls whose negotiating connection
// went away. Active calls carry media peer to peer and are left to hang-up or the reaper.
func (c *Coordinator) handleDisconnect(userID int64, connID string, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		if s.State != models.CallOffered && s.State != models.CallAnswered {
			continue
		}
		peer, ok := s.Peer(userID)
		if !ok {
			continue
		}

		lost := false
		switch userID {
		case s.CallerID:
			lost = s.CallerConnID == connID || remaining == 0
		case s.CalleeID:
			// before the answer any of the callee's tabs may pick up
			lost = s.CalleeConnID == connID || (s.CalleeConnID == "" && remaining == 0)
		}
		if !lost {
			continue
		}

		c.endLocked(s, "disconnected")
		c.reg.Push(peer, &models.Frame{
			Type:         models.FrameCallEnded,
			CallID:       s.CallID,
			FromUserID:   userID,
			TargetUserID: peer,
			Error:        "peer disconnected",
		}, "")
	}
}
