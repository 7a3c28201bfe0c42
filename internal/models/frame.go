package models

import (
	"encoding/json"
	"time"
)

// FrameType identifies a frame on the realtime socket
type FrameType string

const (
	FrameAuth      FrameType = "auth"
	FrameAuthOK    FrameType = "auth-ok"
	FrameAuthError FrameType = "auth-error"
	FrameHeartbeat FrameType = "heartbeat"

	FrameMessage      FrameType = "message"
	FrameGroupMessage FrameType = "group-message"
	FrameMessageError FrameType = "message-error"
	FrameMarkRead     FrameType = "mark-read"
	FrameMessageRead  FrameType = "message-read"

	FrameCallOffer     FrameType = "call-offer"
	FrameCallAnswer    FrameType = "call-answer"
	FrameICECandidate  FrameType = "ice-candidate"
	FrameCallDeclined  FrameType = "call-declined"
	FrameCallEnded     FrameType = "call-ended"
	FrameCallConnected FrameType = "call-connected"
	FrameCallError     FrameType = "call-error"

	FrameNotification  FrameType = "notification"
	FramePresenceQuery FrameType = "presence-query"
	FramePresence      FrameType = "presence"
)

// Frame is the single JSON envelope exchanged over a realtime connection.
// Which fields are populated depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// auth
	UserID int64  `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`

	// routing
	FromUserID   int64 `json:"fromUserId,omitempty"`
	ToUserID     int64 `json:"toUserId,omitempty"`
	TargetUserID int64 `json:"targetUserId,omitempty"`
	GroupID      int64 `json:"groupId,omitempty"`

	// chat
	Content              string     `json:"content,omitempty"`
	VoiceMessageURL      *string    `json:"voiceMessageUrl,omitempty"`
	VoiceMessageDuration *int       `json:"voiceMessageDuration,omitempty"`
	ClientID             string     `json:"clientId,omitempty"`
	MessageID            int64      `json:"messageId,omitempty"`
	ReadAt               *time.Time `json:"readAt,omitempty"`

	// signaling payloads are relayed verbatim
	CallID    string          `json:"callId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Message      *Message       `json:"message,omitempty"`
	GroupMessage *GroupMessage  `json:"groupMessage,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	UserIDs      []int64        `json:"userIds,omitempty"`
	Statuses     map[int64]bool `json:"statuses,omitempty"`
}

// Voice returns the voice attachment carried by a chat frame, if any.
func (f *Frame) Voice() *Voice {
	if f.VoiceMessageURL == nil || *f.VoiceMessageURL == "" {
		return nil
	}
	v := &Voice{URL: *f.VoiceMessageURL}
	if f.VoiceMessageDuration != nil {
		v.Duration = *f.VoiceMessageDuration
	}
	return v
}

// Encode marshals a frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a raw socket payload into a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrInvalidFrame
	}
	return &f, nil
}
