package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/store"
	"go.uber.org/zap"
)

// Origin identifies who sent a frame and over which connection.
type Origin struct {
	UserID int64
	ConnID string
}

// Notifier is the store-then-push notification sink used for offline recipients.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind models.NotificationType, message string, relatedUserID *int64) (*models.Notification, error)
}

// Router persists chat messages and pushes them to live connections.
type Router struct {
	messages store.MessageStore
	groups   store.GroupStore
	reg      *registry.Registry
	notifier Notifier
	logger   *zap.Logger

	// per pair (or per group) serialization keeps push order equal to insertion order
	order *keyedMutex
	nowFn func() time.Time
}

// NewRouter builds a router. notifier may be nil.
func NewRouter(messages store.MessageStore, groups store.GroupStore, reg *registry.Registry, notifier Notifier, logger *zap.Logger) *Router {
	return &Router{
		messages: messages,
		groups:   groups,
		reg:      reg,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		order:    newKeyedMutex(),
		nowFn:    time.Now,
	}
}

// RouteDirect stores a direct message and pushes it to every live connection of
// the recipient, plus the sender's other connections. An offline recipient is
// not an error. When the store fails the message is still pushed best effort and
// the returned error wraps models.ErrPersistence.
func (r *Router) RouteDirect(ctx context.Context, from Origin, toUserID int64, content string, voice *models.Voice) (*models.Message, error) {
	if err := models.ValidateContent(content, voice); err != nil {
		return nil, err
	}
	if toUserID <= 0 || toUserID == from.UserID {
		return nil, fmt.Errorf("%w: bad recipient %d", models.ErrInvalidFrame, toUserID)
	}

	unlock := r.order.Lock(models.PairKey(from.UserID, toUserID))
	msg, saveErr := r.messages.Save(ctx, models.NewMessage(from.UserID, toUserID, content, voice))
	if saveErr != nil {
		r.logger.Error("persist direct message",
			zap.Int64("from", from.UserID), zap.Int64("to", toUserID), zap.Error(saveErr))
		msg = models.NewMessage(from.UserID, toUserID, content, voice)
		msg.CreatedAt = r.nowFn()
	}

	frame := &models.Frame{Type: models.FrameMessage, FromUserID: from.UserID, ToUserID: toUserID, Message: msg}
	delivered := r.reg.Push(toUserID, frame, "")
	r.reg.Push(from.UserID, frame, from.ConnID)
	unlock()

	if saveErr != nil {
		return msg, fmt.Errorf("%w: %v", models.ErrPersistence, saveErr)
	}

	if delivered == 0 && r.notifier != nil {
		related := from.UserID
		if _, err := r.notifier.Notify(ctx, toUserID, models.NotificationNewMessage, "You have a new message", &related); err != nil {
			r.logger.Warn("offline message notification", zap.Int64("user_id", toUserID), zap.Error(err))
		}
	}
	return msg, nil
}

// RouteGroup checks membership, stores the message and pushes it to every live
// connection of every member except the originating one.
func (r *Router) RouteGroup(ctx context.Context, from Origin, groupID int64, content string, voice *models.Voice) (*models.GroupMessage, error) {
	if err := models.ValidateContent(content, voice); err != nil {
		return nil, err
	}

	members, err := r.groups.MembersOf(ctx, groupID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: group %d", models.ErrPermissionDenied, groupID)
		}
		// membership is a synchronous precondition, so the sender hears about it
		return nil, fmt.Errorf("%w: members of group %d: %v", models.ErrPersistence, groupID, err)
	}
	if !contains(members, from.UserID) {
		return nil, fmt.Errorf("%w: user %d is not in group %d", models.ErrPermissionDenied, from.UserID, groupID)
	}

	unlock := r.order.Lock(fmt.Sprintf("group:%d", groupID))
	defer unlock()

	msg, saveErr := r.messages.SaveGroup(ctx, models.NewGroupMessage(from.UserID, groupID, content, voice))
	if saveErr != nil {
		r.logger.Error("persist group message",
			zap.Int64("from", from.UserID), zap.Int64("group_id", groupID), zap.Error(saveErr))
		msg = models.NewGroupMessage(from.UserID, groupID, content, voice)
		msg.CreatedAt = r.nowFn()
	}

	frame := &models.Frame{Type: models.FrameGroupMessage, FromUserID: from.UserID, GroupID: groupID, GroupMessage: msg}
	for _, member := range members {
		except := ""
		if member == from.UserID {
			except = from.ConnID
		}
		r.reg.Push(member, frame, except)
	}

	if saveErr != nil {
		return msg, fmt.Errorf("%w: %v", models.ErrPersistence, saveErr)
	}
	return msg, nil
}

// MarkRead flips a message to read on behalf of its recipient. Only the
// recipient may do this; repeating it is a no-op. On the first transition the
// sender's connections receive a message-read receipt.
func (r *Router) MarkRead(ctx context.Context, messageID, readerUserID int64) (*models.Message, error) {
	msg, err := r.messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if msg.ToUserID != readerUserID {
		return nil, fmt.Errorf("%w: user %d cannot mark message %d read", models.ErrPermissionDenied, readerUserID, messageID)
	}
	if msg.IsRead {
		return msg, nil
	}

	updated, changed, err := r.messages.MarkRead(ctx, messageID, r.nowFn())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if !changed {
		// a concurrent call already flipped it and sent the receipt
		return updated, nil
	}

	r.reg.Push(updated.FromUserID, &models.Frame{
		Type:       models.FrameMessageRead,
		MessageID:  updated.ID,
		FromUserID: readerUserID,
		ReadAt:     updated.ReadAt,
	}, "")
	return updated, nil
}

// History returns the conversation between two users, oldest first.
func (r *Router) History(ctx context.Context, userID, otherUserID int64, limit int) ([]*models.Message, error) {
	return r.messages.Between(ctx, userID, otherUserID, limit)
}

// Recent returns the latest messages sent to or by userID, oldest first.
func (r *Router) Recent(ctx context.Context, userID int64, limit int) ([]*models.Message, error) {
	return r.messages.RecentFor(ctx, userID, limit)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
