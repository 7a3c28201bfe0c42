package models

import (
	"fmt"
	"time"
)

// CallState is a node of the call signaling state machine
type CallState string

const (
	CallIdle     CallState = "idle"
	CallOffered  CallState = "offered"
	CallAnswered CallState = "answered"
	CallActive   CallState = "active"
	CallEnded    CallState = "ended"
)

// Terminal reports whether no further transitions are allowed.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallIdle
}

// CallSession is the in-memory record of one call between two users
type CallSession struct {
	CallID         string    `json:"callId"`
	CallerID       int64     `json:"callerId"`
	CalleeID       int64     `json:"calleeId"`
	State          CallState `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// connection ids that negotiated the call; callee's is set on answer
	CallerConnID string `json:"-"`
	CalleeConnID string `json:"-"`
}

// PairKey returns the unordered pair key used as the call id.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Peer returns the other participant, or false if userID is not part of the call.
func (s *CallSession) Peer(userID int64) (int64, bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	}
	return 0, false
}

// HasParticipant reports whether userID is the caller or callee.
func (s *CallSession) HasParticipant(userID int64) bool {
	_, ok := s.Peer(userID)
	return ok
}
