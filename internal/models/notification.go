package models

import "time"

// NotificationType classifies a notification record
type NotificationType string

const (
	NotificationNewMessage NotificationType = "new_message"
	NotificationMissedCall NotificationType = "missed_call"
)

// Notification is a persisted, user-facing notice
type Notification struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"userId"`
	Type          NotificationType `json:"type"`
	Message       string           `json:"message"`
	RelatedUserID *int64           `json:"relatedUserId,omitempty"`
	IsRead        bool             `json:"isRead"`
	CreatedAt     time.Time        `json:"createdAt"`
}
