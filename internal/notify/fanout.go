package notify

import (
	"context"
	"fmt"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/store"
	"go.uber.org/zap"
)

// Fanout stores notifications and pushes them to the target's live connections.
type Fanout struct {
	store  store.NotificationStore
	reg    *registry.Registry
	logger *zap.Logger
}

func NewFanout(s store.NotificationStore, reg *registry.Registry, logger *zap.Logger) *Fanout {
	return &Fanout{store: s, reg: reg, logger: logging.OrNop(logger)}
}

// Notify always persists; the push only happens when the user is online.
func (f *Fanout) Notify(ctx context.Context, userID int64, kind models.NotificationType, message string, relatedUserID *int64) (*models.Notification, error) {
	n, err := f.store.Create(ctx, &models.Notification{
		UserID:        userID,
		Type:          kind,
		Message:       message,
		RelatedUserID: relatedUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create notification: %v", models.ErrPersistence, err)
	}

	if f.reg.IsOnline(userID) {
		pushed := f.reg.Push(userID, &models.Frame{Type: models.FrameNotification, Notification: n}, "")
		f.logger.Debug("notification pushed",
			zap.Int64("user_id", userID), zap.String("type", string(kind)), zap.Int("connections", pushed))
	}
	return n, nil
}
