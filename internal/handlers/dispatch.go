package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/realtime-core/internal/messaging"
	"github.com/mossy-p/realtime-core/internal/middleware"
	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/signaling"
	"go.uber.org/zap"
)

// handleFrame processes one inbound payload. It returns false when the
// connection should be closed for sending too many frames before auth.
func (g *Gateway) handleFrame(ctx context.Context, c *Client, raw []byte) bool {
	started := time.Now()

	frame, err := models.DecodeFrame(raw)
	if err != nil {
		g.drop(c, "", fmt.Errorf("%w: %v", models.ErrInvalidFrame, err))
		return g.countUnauthenticated(c)
	}
	defer g.metrics.ObserveFrame(string(frame.Type), started)

	if frame.Type == models.FrameAuth {
		g.authenticate(ctx, c, frame)
		return true
	}
	if c.userID == 0 {
		g.drop(c, frame.Type, models.ErrAuthRequired)
		return g.countUnauthenticated(c)
	}

	g.drop(c, frame.Type, g.dispatch(ctx, c, frame))
	return true
}

func (g *Gateway) countUnauthenticated(c *Client) bool {
	if c.userID != 0 {
		return true
	}
	c.unauthFrames++
	return g.cfg.AuthGraceFrames <= 0 || c.unauthFrames <= g.cfg.AuthGraceFrames
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, f *models.Frame) error {
	switch f.Type {
	case models.FrameHeartbeat:
		g.heartbeat(ctx, c.userID)
		return nil

	case models.FrameMessage:
		msg, err := g.router.RouteDirect(ctx, messaging.Origin{UserID: c.userID, ConnID: c.id}, f.ToUserID, f.Content, f.Voice())
		g.ackMessage(c, f, &models.Frame{Type: models.FrameMessage, ToUserID: f.ToUserID, Message: msg}, err)
		return err

	case models.FrameGroupMessage:
		msg, err := g.router.RouteGroup(ctx, messaging.Origin{UserID: c.userID, ConnID: c.id}, f.GroupID, f.Content, f.Voice())
		g.ackMessage(c, f, &models.Frame{Type: models.FrameGroupMessage, GroupID: f.GroupID, GroupMessage: msg}, err)
		return err

	case models.FrameMarkRead:
		msg, err := g.router.MarkRead(ctx, f.MessageID, c.userID)
		if err != nil {
			g.reply(c, &models.Frame{Type: models.FrameMessageError, MessageID: f.MessageID, ClientID: f.ClientID, Error: err.Error(), Code: models.ErrorCode(err)})
			return err
		}
		g.reply(c, &models.Frame{Type: models.FrameMessageRead, MessageID: msg.ID, ReadAt: msg.ReadAt, FromUserID: c.userID})
		return nil

	case models.FramePresenceQuery:
		if len(f.UserIDs) > maxPresenceQuery {
			err := fmt.Errorf("%w: presence query for %d users, limit %d", models.ErrInvalidFrame, len(f.UserIDs), maxPresenceQuery)
			g.reply(c, &models.Frame{Type: models.FramePresence, Error: err.Error(), Code: models.ErrorCode(err)})
			return err
		}
		g.reply(c, &models.Frame{Type: models.FramePresence, UserIDs: f.UserIDs, Statuses: g.presence.Lookup(ctx, f.UserIDs)})
		return nil

	case models.FrameCallOffer:
		// the coordinator answers the caller with call-error itself
		_, err := g.calls.Offer(ctx, g.signalOrigin(c), f.TargetUserID, f.Offer)
		return err
	case models.FrameCallAnswer:
		return g.calls.Answer(g.signalOrigin(c), f.TargetUserID, f.Answer)
	case models.FrameICECandidate:
		return g.calls.Candidate(g.signalOrigin(c), f.TargetUserID, f.Candidate)
	case models.FrameCallDeclined:
		return g.calls.Decline(g.signalOrigin(c), f.TargetUserID)
	case models.FrameCallEnded:
		return g.calls.End(g.signalOrigin(c), f.TargetUserID)
	case models.FrameCallConnected:
		return g.calls.Connected(g.signalOrigin(c), f.TargetUserID)
	}

	return fmt.Errorf("%w: unsupported type %q", models.ErrInvalidFrame, f.Type)
}

func (g *Gateway) signalOrigin(c *Client) signaling.Origin {
	return signaling.Origin{UserID: c.userID, ConnID: c.id}
}

// ackMessage confirms a chat frame to the connection that sent it: the stored
// record on success, message-error otherwise. Both echo the client's correlation id.
func (g *Gateway) ackMessage(c *Client, in *models.Frame, ok *models.Frame, err error) {
	if err != nil {
		g.reply(c, &models.Frame{
			Type:     models.FrameMessageError,
			ClientID: in.ClientID,
			ToUserID: in.ToUserID,
			GroupID:  in.GroupID,
			Error:    err.Error(),
			Code:     models.ErrorCode(err),
		})
		return
	}
	ok.ClientID = in.ClientID
	ok.FromUserID = c.userID
	g.reply(c, ok)
}

func (g *Gateway) authenticate(ctx context.Context, c *Client, f *models.Frame) {
	userID, err := g.resolveUser(ctx, f)
	if err == nil {
		err = g.reg.Bind(c, userID)
	}
	if err != nil {
		g.drop(c, f.Type, err)
		g.reply(c, &models.Frame{Type: models.FrameAuthError, Error: err.Error(), Code: models.ErrorCode(err)})
		return
	}

	c.userID = userID
	c.unauthFrames = 0
	g.heartbeat(ctx, userID)
	g.reply(c, &models.Frame{Type: models.FrameAuthOK, UserID: userID})
	g.logger.Info("connection authenticated", zap.String("conn_id", c.id), zap.Int64("user_id", userID))
}

func (g *Gateway) resolveUser(ctx context.Context, f *models.Frame) (int64, error) {
	userID := f.UserID
	switch {
	case f.Token != "":
		tokenUser, err := middleware.ParseToken(g.cfg.JWTSecret, f.Token)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", models.ErrAuthRequired, err)
		}
		if userID == 0 {
			userID = tokenUser
		}
		if tokenUser != userID {
			return 0, fmt.Errorf("%w: token issued for another user", models.ErrAuthRequired)
		}
	case g.cfg.RequireToken:
		return 0, fmt.Errorf("%w: token required", models.ErrAuthRequired)
	}
	if userID <= 0 {
		return 0, fmt.Errorf("%w: missing user id", models.ErrAuthRequired)
	}

	exists, err := g.users.Exists(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: unknown user %d", models.ErrAuthRequired, userID)
	}
	return userID, nil
}

func (g *Gateway) reply(c *Client, f *models.Frame) {
	if !g.reg.Reply(c, f) {
		g.logger.Debug("reply dropped", zap.String("conn_id", c.id), zap.String("type", string(f.Type)))
	}
}

// drop logs a frame that produced err at a level matching how surprising it is.
func (g *Gateway) drop(c *Client, t models.FrameType, err error) {
	if err == nil {
		return
	}
	code := models.ErrorCode(err)
	g.metrics.FrameDropped(code)

	fields := []zap.Field{
		zap.String("conn_id", c.id),
		zap.Int64("user_id", c.userID),
		zap.String("type", string(t)),
		zap.String("code", code),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, models.ErrStaleSignal):
		g.logger.Debug("stale signal dropped", fields...)
	case errors.Is(err, models.ErrPersistence):
		g.logger.Error("frame failed", fields...)
	case errors.Is(err, models.ErrCallBusy), errors.Is(err, models.ErrTargetUnreachable):
		g.logger.Info("call rejected", fields...)
	default:
		g.logger.Warn("frame dropped", fields...)
	}
}
