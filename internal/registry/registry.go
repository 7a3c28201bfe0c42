package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/metrics"
	"github.com/mossy-p/realtime-core/internal/models"
	"go.uber.org/zap"
)

// Conn is a live socket as seen by the registry.
type Conn interface {
	ID() string
	// Send enqueues data without blocking; false means the frame was dropped.
	Send(data []byte) bool
}

// Event is an online/offline transition for a user. Seq increases with every
// transition and is assigned under the registry lock, so it orders events that
// listeners may receive out of order.
type Event struct {
	UserID int64
	Online bool
	At     time.Time
	Seq    uint64
}

// Listener observes presence transitions. Listeners run outside the registry lock
// and must use Seq, not arrival order, to decide which transition is newest.
type Listener func(Event)

// DisconnectHook runs synchronously after a connection is unbound.
// remaining is the number of connections the user still holds.
type DisconnectHook func(userID int64, connID string, remaining int)

type binding struct {
	conn        Conn
	userID      int64
	connectedAt time.Time
}

// Registry maps user ids to their live connections.
type Registry struct {
	mu      sync.RWMutex
	byUser  map[int64]map[string]Conn
	byConn  map[string]binding
	pending map[int64]*time.Timer

	seq         uint64
	grace       time.Duration
	listeners   []Listener
	disconnects []DisconnectHook

	logger  *zap.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// New builds a registry. grace delays the offline transition so quick reconnects do not flap.
func New(grace time.Duration, logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		byUser:  make(map[int64]map[string]Conn),
		byConn:  make(map[string]binding),
		pending: make(map[int64]*time.Timer),
		grace:   grace,
		logger:  logging.OrNop(logger),
		metrics: m,
		nowFn:   time.Now,
	}
}

// OnPresence adds a presence listener. Call before serving traffic.
func (r *Registry) OnPresence(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// OnDisconnect adds a hook run on every unbind. Call before serving traffic.
func (r *Registry) OnDisconnect(h DisconnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, h)
}

// Bind associates conn with userID. Binding the same connection twice to the same
// user is a no-op; binding it to a different user is refused.
func (r *Registry) Bind(conn Conn, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: invalid user id %d", models.ErrAuthRequired, userID)
	}

	r.mu.Lock()
	if b, ok := r.byConn[conn.ID()]; ok {
		r.mu.Unlock()
		if b.userID == userID {
			return nil
		}
		return fmt.Errorf("%w: connection already bound to user %d", models.ErrPermissionDenied, b.userID)
	}

	now := r.nowFn()
	set := r.byUser[userID]
	first := len(set) == 0
	if set == nil {
		set = make(map[string]Conn)
		r.byUser[userID] = set
	}
	set[conn.ID()] = conn
	r.byConn[conn.ID()] = binding{conn: conn, userID: userID, connectedAt: now}

	// a reconnect inside the grace window cancels the pending offline transition
	wasPending := false
	if t, ok := r.pending[userID]; ok {
		t.Stop()
		delete(r.pending, userID)
		wasPending = true
	}
	var seq uint64
	if first && !wasPending {
		seq = r.nextSeqLocked()
	}
	listeners := r.listeners
	online := len(r.byUser)
	r.mu.Unlock()

	r.metrics.ConnectionBound()
	r.metrics.SetOnlineUsers(online)
	r.logger.Debug("connection bound", zap.Int64("user_id", userID), zap.String("conn_id", conn.ID()))

	if first && !wasPending {
		emit(listeners, Event{UserID: userID, Online: true, At: now, Seq: seq})
	}
	return nil
}

// Unbind removes conn from its user's set. It reports the user and how many
// connections they still hold; ok is false if conn was never bound.
func (r *Registry) Unbind(conn Conn) (userID int64, remaining int, ok bool) {
	r.mu.Lock()
	b, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return 0, 0, false
	}
	delete(r.byConn, conn.ID())
	userID = b.userID
	set := r.byUser[userID]
	delete(set, conn.ID())
	remaining = len(set)
	offlineNow := false
	var seq uint64
	if remaining == 0 {
		delete(r.byUser, userID)
		if offlineNow = r.scheduleOfflineLocked(userID); offlineNow {
			seq = r.nextSeqLocked()
		}
	}
	hooks := r.disconnects
	listeners := r.listeners
	now := r.nowFn()
	online := len(r.byUser)
	r.mu.Unlock()

	r.metrics.ConnectionUnbound()
	r.metrics.SetOnlineUsers(online)
	r.logger.Debug("connection unbound",
		zap.Int64("user_id", userID), zap.String("conn_id", conn.ID()), zap.Int("remaining", remaining))

	for _, h := range hooks {
		h(userID, conn.ID(), remaining)
	}
	if offlineNow {
		emit(listeners, Event{UserID: userID, Online: false, At: now, Seq: seq})
	}
	return userID, remaining, true
}

// scheduleOfflineLocked arms the grace timer. It returns true when there is no
// grace window and the caller must emit the offline event itself.
func (r *Registry) scheduleOfflineLocked(userID int64) bool {
	if r.grace <= 0 {
		return true
	}
	if _, ok := r.pending[userID]; ok {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		// stale timer: a reconnect replaced or cancelled it
		if r.pending[userID] != t || len(r.byUser[userID]) > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.pending, userID)
		listeners := r.listeners
		at := r.nowFn()
		seq := r.nextSeqLocked()
		r.mu.Unlock()
		emit(listeners, Event{UserID: userID, Online: false, At: at, Seq: seq})
	})
	r.pending[userID] = t
	return false
}

func (r *Registry) nextSeqLocked() uint64 {
	r.seq++
	return r.seq
}

// UserOf returns the user bound to a connection.
func (r *Registry) UserOf(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byConn[connID]
	return b.userID, ok
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineSet answers IsOnline for many users under a single lock acquisition.
func (r *Registry) OnlineSet(userIDs []int64) map[int64]bool {
	out := make(map[int64]bool, len(userIDs))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range userIDs {
		out[id] = len(r.byUser[id]) > 0
	}
	return out
}

// OnlineCount returns the number of users with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Close stops pending offline timers. Pending transitions are not emitted.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.pending {
		t.Stop()
		delete(r.pending, id)
	}
}

func emit(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
