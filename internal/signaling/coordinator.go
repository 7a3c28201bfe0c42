package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/metrics"
	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/registry"
	"go.uber.org/zap"
)

// Origin identifies the user and connection a signaling frame arrived on.
type Origin struct {
	UserID int64
	ConnID string
}

// Notifier receives missed-call notifications.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind models.NotificationType, message string, relatedUserID *int64) (*models.Notification, error)
}

// Timeouts bound how long a session may sit in a state without a transition.
type Timeouts struct {
	Offered  time.Duration
	Answered time.Duration
	Active   time.Duration
}

func (t Timeouts) forState(s models.CallState) time.Duration {
	switch s {
	case models.CallOffered:
		return t.Offered
	case models.CallAnswered:
		return t.Answered
	case models.CallActive:
		return t.Active
	}
	return 0
}

// Coordinator owns every CallSession. At most one session exists per
// unordered user pair; sessions are removed as soon as they end.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*models.CallSession

	reg      *registry.Registry
	notifier Notifier
	timeouts Timeouts
	logger   *zap.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

// New builds a coordinator and hooks it into reg so socket loss ends pending calls.
// notifier and m may be nil.
func New(reg *registry.Registry, notifier Notifier, timeouts Timeouts, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		sessions: make(map[string]*models.CallSession),
		reg:      reg,
		notifier: notifier,
		timeouts: timeouts,
		logger:   logging.OrNop(logger),
		metrics:  m,
		nowFn:    time.Now,
	}
	reg.OnDisconnect(c.handleDisconnect)
	return c
}

// Offer opens a session from caller to callee and relays the SDP offer to every
// callee connection. A busy pair or an unreachable callee is answered with a
// call-error to the caller and no session is kept.
func (c *Coordinator) Offer(ctx context.Context, from Origin, calleeID int64, offer json.RawMessage) (*models.CallSession, error) {
	callID := models.PairKey(from.UserID, calleeID)
	if calleeID <= 0 || calleeID == from.UserID {
		c.callError(from, calleeID, callID, fmt.Errorf("%w: cannot call user %d", models.ErrInvalidFrame, calleeID))
		return nil, fmt.Errorf("%w: bad call target %d", models.ErrInvalidFrame, calleeID)
	}

	c.mu.Lock()
	if existing, ok := c.sessions[callID]; ok && !existing.State.Terminal() {
		c.mu.Unlock()
		c.metrics.CallFinished("busy")
		c.callError(from, calleeID, callID, models.ErrCallBusy)
		return nil, fmt.Errorf("%w: %s is %s", models.ErrCallBusy, callID, existing.State)
	}

	// reject before create: no session is left waiting on an unreachable callee
	if !c.reg.IsOnline(calleeID) {
		c.mu.Unlock()
		c.unreachable(ctx, from, calleeID, callID)
		return nil, fmt.Errorf("%w: user %d", models.ErrTargetUnreachable, calleeID)
	}

	now := c.nowFn()
	s := &models.CallSession{
		CallID:         callID,
		CallerID:       from.UserID,
		CalleeID:       calleeID,
		State:          models.CallOffered,
		CreatedAt:      now,
		LastActivityAt: now,
		CallerConnID:   from.ConnID,
	}
	delivered := c.reg.Push(calleeID, &models.Frame{
		Type:         models.FrameCallOffer,
		CallID:       callID,
		FromUserID:   from.UserID,
		TargetUserID: calleeID,
		Offer:        offer,
	}, from.ConnID)
	if delivered == 0 {
		c.mu.Unlock()
		c.unreachable(ctx, from, calleeID, callID)
		return nil, fmt.Errorf("%w: user %d", models.ErrTargetUnreachable, calleeID)
	}
	c.sessions[callID] = s
	out := *s
	c.mu.Unlock()

	c.logger.Info("call offered",
		zap.String("call_id", callID), zap.Int64("caller", from.UserID), zap.Int64("callee", calleeID),
		zap.Int("callee_connections", delivered))
	return &out, nil
}

// Answer moves an offered session to answered and relays the answer to the caller.
// The callee's other connections get call-ended so they stop ringing.
// Only the callee may answer, and only while the session is offered.
func (c *Coordinator) Answer(from Origin, targetUserID int64, answer json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.lookupLocked(from.UserID, targetUserID)
	if err != nil {
		return err
	}
	if s.CalleeID != from.UserID || s.CallerID != targetUserID {
		return fmt.Errorf("%w: user %d is not the callee of %s", models.ErrPermissionDenied, from.UserID, s.CallID)
	}
	if s.State != models.CallOffered {
		return fmt.Errorf("%w: answer for %s in state %s", models.ErrStaleSignal, s.CallID, s.State)
	}

	delivered := c.reg.Push(targetUserID, &models.Frame{
		Type:         models.FrameCallAnswer,
		CallID:       s.CallID,
		FromUserID:   from.UserID,
		TargetUserID: targetUserID,
		Answer:       answer,
	}, from.ConnID)
	// the callee's other tabs are still ringing
	c.reg.Push(from.UserID, &models.Frame{
		Type:         models.FrameCallEnded,
		CallID:       s.CallID,
		FromUserID:   from.UserID,
		TargetUserID: targetUserID,
	}, from.ConnID)
	if delivered == 0 {
		// the caller is waiting on nothing; hang up instead of leaving the callee connecting
		c.endLocked(s, "unreachable")
		c.callError(from, targetUserID, s.CallID, models.ErrTargetUnreachable)
		return fmt.Errorf("%w: user %d", models.ErrTargetUnreachable, targetUserID)
	}
	c.transitionLocked(s, models.CallAnswered)
	s.CalleeConnID = from.ConnID
	return nil
}

// Candidate relays an ICE candidate between the two participants. Candidates
// that race the end of a call come back as ErrStaleSignal and are meant to be dropped.
func (c *Coordinator) Candidate(from Origin, targetUserID int64, candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.lookupLocked(from.UserID, targetUserID)
	if err != nil {
		return err
	}
	switch s.State {
	case models.CallOffered, models.CallAnswered, models.CallActive:
	default:
		return fmt.Errorf("%w: candidate for %s in state %s", models.ErrStaleSignal, s.CallID, s.State)
	}

	c.reg.Push(targetUserID, &models.Frame{
		Type:         models.FrameICECandidate,
		CallID:       s.CallID,
		FromUserID:   from.UserID,
		TargetUserID: targetUserID,
		Candidate:    candidate,
	}, from.ConnID)
	return nil
}

// Decline lets the callee reject an offered call. Both the caller and the
// callee's other connections receive call-declined.
func (c *Coordinator) Decline(from Origin, targetUserID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.lookupLocked(from.UserID, targetUserID)
	if err != nil {
		return err
	}
	if s.CalleeID != from.UserID {
		return fmt.Errorf("%w: only the callee can decline %s", models.ErrPermissionDenied, s.CallID)
	}
	if s.State != models.CallOffered {
		return fmt.Errorf("%w: decline for %s in state %s", models.ErrStaleSignal, s.CallID, s.State)
	}

	c.endLocked(s, "declined")
	declined := &models.Frame{
		Type:         models.FrameCallDeclined,
		CallID:       s.CallID,
		FromUserID:   from.UserID,
		TargetUserID: targetUserID,
	}
	c.reg.Push(targetUserID, declined, from.ConnID)
	c.reg.Push(from.UserID, declined, from.ConnID)
	return nil
}

// End hangs up from either side in any live state.
func (c *Coordinator) End(from Origin, targetUserID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.lookupLocked(from.UserID, targetUserID)
	if err != nil {
		return err
	}
	c.endLocked(s, "ended")
	c.reg.Push(targetUserID, &models.Frame{
		Type:         models.FrameCallEnded,
		CallID:       s.CallID,
		FromUserID:   from.UserID,
		TargetUserID: targetUserID,
	}, from.ConnID)
	return nil
}

// Connected is the client-facing form of NotifyConnected: a participant reports
// that the peer connection is up.
func (c *Coordinator) Connected(from Origin, targetUserID int64) error {
	callID := models.PairKey(from.UserID, targetUserID)
	c.mu.Lock()
	s, ok := c.sessions[callID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no call %s", models.ErrStaleSignal, callID)
	}
	if !s.HasParticipant(from.UserID) {
		return fmt.Errorf("%w: user %d not in %s", models.ErrPermissionDenied, from.UserID, callID)
	}
	return c.NotifyConnected(callID)
}

// NotifyConnected is called by the transport layer once media flows. It moves an
// answered session to active; repeating it on an active session is a no-op.
func (c *Coordinator) NotifyConnected(callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[callID]
	if !ok {
		return fmt.Errorf("%w: no call %s", models.ErrStaleSignal, callID)
	}
	switch s.State {
	case models.CallActive:
		return nil
	case models.CallAnswered:
		c.transitionLocked(s, models.CallActive)
		c.logger.Info("call active", zap.String("call_id", callID))
		return nil
	default:
		return fmt.Errorf("%w: connected for %s in state %s", models.ErrStaleSignal, callID, s.State)
	}
}

// Session returns a copy of the live session for a pair key.
func (c *Coordinator) Session(callID string) (models.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return models.CallSession{}, false
	}
	return *s, true
}

// ActiveSessions returns how many sessions are live.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) lookupLocked(fromUserID, targetUserID int64) (*models.CallSession, error) {
	callID := models.PairKey(fromUserID, targetUserID)
	s, ok := c.sessions[callID]
	if !ok || s.State.Terminal() {
		return nil, fmt.Errorf("%w: no call %s", models.ErrStaleSignal, callID)
	}
	if !s.HasParticipant(fromUserID) {
		return nil, fmt.Errorf("%w: user %d not in %s", models.ErrPermissionDenied, fromUserID, callID)
	}
	return s, nil
}

func (c *Coordinator) transitionLocked(s *models.CallSession, to models.CallState) {
	c.logger.Debug("call transition",
		zap.String("call_id", s.CallID), zap.String("from", string(s.State)), zap.String("to", string(to)))
	s.State = to
	s.LastActivityAt = c.nowFn()
}

func (c *Coordinator) endLocked(s *models.CallSession, outcome string) {
	s.State = models.CallEnded
	delete(c.sessions, s.CallID)
	c.metrics.CallFinished(outcome)
	c.logger.Info("call finished", zap.String("call_id", s.CallID), zap.String("outcome", outcome))
}

func (c *Coordinator) callError(from Origin, targetUserID int64, callID string, err error) {
	frame := &models.Frame{
		Type:         models.FrameCallError,
		CallID:       callID,
		TargetUserID: targetUserID,
		Error:        err.Error(),
		Code:         models.ErrorCode(err),
	}
	// prefer the connection that placed the call, fall back to all of the caller's
	if from.ConnID == "" || !c.reg.SendTo(from.ConnID, frame) {
		c.reg.Push(from.UserID, frame, "")
	}
}

func (c *Coordinator) unreachable(ctx context.Context, from Origin, calleeID int64, callID string) {
	c.metrics.CallFinished("unreachable")
	c.callError(from, calleeID, callID, models.ErrTargetUnreachable)
	c.missedCall(ctx, calleeID, from.UserID)
}

func (c *Coordinator) missedCall(ctx context.Context, calleeID, callerID int64) {
	if c.notifier == nil {
		return
	}
	caller := callerID
	if _, err := c.notifier.Notify(ctx, calleeID, models.NotificationMissedCall, "You missed a call", &caller); err != nil {
		c.logger.Warn("missed call notification", zap.Int64("user_id", calleeID), zap.Error(err))
	}
}
