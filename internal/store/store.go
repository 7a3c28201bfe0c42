package store

import (
	"context"
	"time"

	"github.com/mossy-p/realtime-core/internal/models"
)

// MessageStore persists direct and group chat messages.
type MessageStore interface {
	// Save assigns ID and CreatedAt. IDs are monotonic in insertion order.
	Save(ctx context.Context, msg *models.Message) (*models.Message, error)
	SaveGroup(ctx context.Context, msg *models.GroupMessage) (*models.GroupMessage, error)
	Get(ctx context.Context, id int64) (*models.Message, error)
	// MarkRead flips IsRead once; later calls keep the first ReadAt.
	// changed is true only for the call that performed the flip.
	MarkRead(ctx context.Context, id int64, at time.Time) (msg *models.Message, changed bool, err error)
	// Between returns the latest limit messages exchanged by a and b, oldest first.
	Between(ctx context.Context, a, b int64, limit int) ([]*models.Message, error)
	// RecentFor returns the latest limit messages sent to or by userID, oldest first.
	RecentFor(ctx context.Context, userID int64, limit int) ([]*models.Message, error)
}

// GroupStore is a read-only view of friend-group membership.
type GroupStore interface {
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
}

type UserStore interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
}

// Store bundles every collaborator the realtime core consumes.
type Store interface {
	MessageStore
	GroupStore
	UserStore
	NotificationStore
	Close() error
}

const defaultHistoryLimit = 50

// ClampLimit normalizes a history page size.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultHistoryLimit
	}
	return limit
}
