package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/realtime-core/internal/models"
)

// Memory is an in-process Store for development and tests. Users must be added
// with AddUser and groups with SetGroup; it never forgets anything.
type Memory struct {
	mu            sync.RWMutex
	nextID        int64
	messages      map[int64]*models.Message
	order         []int64
	groupMessages []*models.GroupMessage
	groups        map[int64][]int64
	users         map[int64]bool
	notifications []*models.Notification
	nowFn         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[int64]*models.Message),
		groups:   make(map[int64][]int64),
		users:    make(map[int64]bool),
		nowFn:    time.Now,
	}
}

// AddUser registers user ids as existing.
func (m *Memory) AddUser(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.users[id] = true
	}
}

// SetGroup replaces a group's membership.
func (m *Memory) SetGroup(groupID int64, members ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupID] = append([]int64(nil), members...)
}

// Notifications returns what was stored for userID, oldest first.
func (m *Memory) Notifications(userID int64) []*models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Memory) Save(_ context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	saved := msg.Clone()
	saved.ID = m.nextID
	saved.CreatedAt = m.nowFn()
	saved.IsRead = false
	saved.ReadAt = nil
	m.messages[saved.ID] = saved
	m.order = append(m.order, saved.ID)
	return saved.Clone(), nil
}

func (m *Memory) SaveGroup(_ context.Context, msg *models.GroupMessage) (*models.GroupMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	saved := *msg
	saved.ID = m.nextID
	saved.CreatedAt = m.nowFn()
	m.groupMessages = append(m.groupMessages, &saved)
	out := saved
	return &out, nil
}

func (m *Memory) Get(_ context.Context, id int64) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	return msg.Clone(), nil
}

func (m *Memory) MarkRead(_ context.Context, id int64, at time.Time) (*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	if msg.IsRead {
		return msg.Clone(), false, nil
	}
	msg.IsRead = true
	readAt := at
	msg.ReadAt = &readAt
	return msg.Clone(), true, nil
}

func (m *Memory) Between(_ context.Context, a, b int64, limit int) ([]*models.Message, error) {
	return m.collect(limit, func(msg *models.Message) bool {
		return (msg.FromUserID == a && msg.ToUserID == b) || (msg.FromUserID == b && msg.ToUserID == a)
	}), nil
}

func (m *Memory) RecentFor(_ context.Context, userID int64, limit int) ([]*models.Message, error) {
	return m.collect(limit, func(msg *models.Message) bool {
		return msg.FromUserID == userID || msg.ToUserID == userID
	}), nil
}

func (m *Memory) collect(limit int, match func(*models.Message) bool) []*models.Message {
	limit = ClampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[m.order[i]]
		if match(msg) {
			out = append(out, msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) MembersOf(_ context.Context, groupID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", groupID, models.ErrNotFound)
	}
	return append([]int64(nil), members...), nil
}

func (m *Memory) Exists(_ context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID], nil
}

func (m *Memory) Create(_ context.Context, n *models.Notification) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	saved := *n
	saved.ID = m.nextID
	saved.CreatedAt = m.nowFn()
	m.notifications = append(m.notifications, &saved)
	out := saved
	return &out, nil
}

func (m *Memory) Close() error { return nil }
