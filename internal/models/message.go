package models

import (
	"fmt"
	"time"
)

// Voice is an optional audio attachment on a chat message
type Voice struct {
	URL      string
	Duration int // seconds
}

// Message is a direct chat message between two users
type Message struct {
	ID                   int64      `json:"id"`
	FromUserID           int64      `json:"fromUserId"`
	ToUserID             int64      `json:"toUserId"`
	Content              string     `json:"content"`
	VoiceMessageURL      *string    `json:"voiceMessageUrl,omitempty"`
	VoiceMessageDuration *int       `json:"voiceMessageDuration,omitempty"`
	IsRead               bool       `json:"isRead"`
	ReadAt               *time.Time `json:"readAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// GroupMessage is a chat message addressed to every member of a friend group
type GroupMessage struct {
	ID                   int64     `json:"id"`
	FromUserID           int64     `json:"fromUserId"`
	GroupID              int64     `json:"groupId"`
	Content              string    `json:"content"`
	VoiceMessageURL      *string   `json:"voiceMessageUrl,omitempty"`
	VoiceMessageDuration *int      `json:"voiceMessageDuration,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// NewMessage builds an unsaved direct message.
func NewMessage(from, to int64, content string, voice *Voice) *Message {
	m := &Message{FromUserID: from, ToUserID: to, Content: content}
	if voice != nil {
		url, dur := voice.URL, voice.Duration
		m.VoiceMessageURL = &url
		m.VoiceMessageDuration = &dur
	}
	return m
}

// NewGroupMessage builds an unsaved group message.
func NewGroupMessage(from, groupID int64, content string, voice *Voice) *GroupMessage {
	m := &GroupMessage{FromUserID: from, GroupID: groupID, Content: content}
	if voice != nil {
		url, dur := voice.URL, voice.Duration
		m.VoiceMessageURL = &url
		m.VoiceMessageDuration = &dur
	}
	return m
}

// ValidateContent checks that a chat payload carries text or a voice attachment.
func ValidateContent(content string, voice *Voice) error {
	if voice != nil {
		if voice.Duration < 0 {
			return fmt.Errorf("%w: negative voice duration", ErrInvalidFrame)
		}
		return nil
	}
	if content == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}
	return nil
}

// Clone returns a deep copy so pushed records cannot be mutated by callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.VoiceMessageURL != nil {
		v := *m.VoiceMessageURL
		out.VoiceMessageURL = &v
	}
	if m.VoiceMessageDuration != nil {
		v := *m.VoiceMessageDuration
		out.VoiceMessageDuration = &v
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		out.ReadAt = &v
	}
	return &out
}
