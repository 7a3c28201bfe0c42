package presence

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/registry"
	"go.uber.org/zap"
)

// Remote answers presence for users connected to other nodes.
type Remote interface {
	OnlineAmong(ctx context.Context, userIDs []int64) (map[int64]bool, error)
}

// Tracker derives online status from registry membership plus a liveness window
// refreshed by binds and heartbeats. It keeps no history.
type Tracker struct {
	reg    *registry.Registry
	window time.Duration
	logger *zap.Logger

	mu          sync.RWMutex
	lastSeen    map[int64]time.Time
	lastSeq     map[int64]uint64
	subscribers []registry.Listener
	remote      Remote

	// serializes handle so subscribers see transitions in Seq order
	dispatch sync.Mutex

	nowFn func() time.Time
}

// New attaches a tracker to reg. A zero window disables the liveness check.
func New(reg *registry.Registry, window time.Duration, logger *zap.Logger) *Tracker {
	t := &Tracker{
		reg:      reg,
		window:   window,
		logger:   logging.OrNop(logger),
		lastSeen: make(map[int64]time.Time),
		lastSeq:  make(map[int64]uint64),
		nowFn:    time.Now,
	}
	reg.OnPresence(t.handle)
	return t
}

// Subscribe registers fn for online/offline transitions.
func (t *Tracker) Subscribe(fn registry.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// UseRemote makes Lookup consult r for users that are offline here.
func (t *Tracker) UseRemote(r Remote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = r
}

// Touch records a bind or heartbeat for userID.
func (t *Tracker) Touch(userID int64) {
	now := t.nowFn()
	t.mu.Lock()
	t.lastSeen[userID] = now
	t.mu.Unlock()
}

// IsOnline is true iff the user has a live connection and was seen within the window.
func (t *Tracker) IsOnline(userID int64) bool {
	if !t.reg.IsOnline(userID) {
		return false
	}
	t.mu.RLock()
	seen, ok := t.lastSeen[userID]
	t.mu.RUnlock()
	return t.fresh(seen, ok, t.nowFn())
}

// BatchStatus answers IsOnline for every id in one pass over in-memory state.
func (t *Tracker) BatchStatus(userIDs []int64) map[int64]bool {
	out := t.reg.OnlineSet(userIDs)
	now := t.nowFn()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, online := range out {
		if !online {
			continue
		}
		seen, ok := t.lastSeen[id]
		out[id] = t.fresh(seen, ok, now)
	}
	return out
}

// Lookup is BatchStatus plus the remote view for ids that are offline on this
// node. A failing remote is logged and the local answer stands.
func (t *Tracker) Lookup(ctx context.Context, userIDs []int64) map[int64]bool {
	out := t.BatchStatus(userIDs)

	t.mu.RLock()
	remote := t.remote
	t.mu.RUnlock()
	if remote == nil {
		return out
	}

	var missing []int64
	for id, online := range out {
		if !online {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out
	}

	elsewhere, err := remote.OnlineAmong(ctx, missing)
	if err != nil {
		t.logger.Warn("remote presence lookup", zap.Int("ids", len(missing)), zap.Error(err))
		return out
	}
	for _, id := range missing {
		if elsewhere[id] {
			out[id] = true
		}
	}
	return out
}

func (t *Tracker) fresh(seen time.Time, ok bool, now time.Time) bool {
	if t.window <= 0 {
		return true
	}
	return ok && now.Sub(seen) <= t.window
}

func (t *Tracker) handle(ev registry.Event) {
	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	t.mu.Lock()
	// a transition that lost the race to a newer one is dropped
	if ev.Seq != 0 && ev.Seq <= t.lastSeq[ev.UserID] {
		t.mu.Unlock()
		t.logger.Debug("stale presence event", zap.Int64("user_id", ev.UserID), zap.Uint64("seq", ev.Seq))
		return
	}
	t.lastSeq[ev.UserID] = ev.Seq
	if ev.Online {
		t.lastSeen[ev.UserID] = ev.At
	} else {
		delete(t.lastSeen, ev.UserID)
	}
	subs := t.subscribers
	t.mu.Unlock()

	t.logger.Info("presence changed", zap.Int64("user_id", ev.UserID), zap.Bool("online", ev.Online))
	for _, fn := range subs {
		fn(ev)
	}
}
