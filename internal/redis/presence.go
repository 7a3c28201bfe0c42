package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mossy-p/realtime-core/internal/logging"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceChannel carries one JSON Update per online/offline transition for
// consumers outside this service.
const PresenceChannel = "presence"

const (
	defaultOnlineTTL = 5 * time.Minute
	offlineTTL       = time.Minute
)

// Update is the payload published on PresenceChannel.
type Update struct {
	UserID int64     `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// PresenceMirror copies presence transitions into Redis so other processes can
// read them, and answers OnlineAmong for users connected elsewhere. Local state
// stays authoritative for users connected to this node.
type PresenceMirror struct {
	client    *redis.Client
	logger    *zap.Logger
	onlineTTL time.Duration
	// bounds each write so a slow Redis never stalls the registry's listener chain
	timeout time.Duration
}

// NewPresenceMirror writes online keys that expire after onlineTTL unless refreshed.
func NewPresenceMirror(client *redis.Client, onlineTTL time.Duration, logger *zap.Logger) *PresenceMirror {
	if onlineTTL <= 0 {
		onlineTTL = defaultOnlineTTL
	}
	return &PresenceMirror{client: client, logger: logging.OrNop(logger), onlineTTL: onlineTTL, timeout: 2 * time.Second}
}

func presenceKey(userID int64) string {
	return "presence:" + strconv.FormatInt(userID, 10)
}

// Handle is a registry.Listener.
func (m *PresenceMirror) Handle(ev registry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.Publish(ctx, Update{UserID: ev.UserID, Online: ev.Online, At: ev.At}); err != nil {
		m.logger.Warn("presence mirror write failed", zap.Int64("user_id", ev.UserID), zap.Error(err))
	}
}

// Publish stores the status key with its TTL and announces the change.
func (m *PresenceMirror) Publish(ctx context.Context, u Update) error {
	status, ttl := "offline", offlineTTL
	if u.Online {
		status, ttl = "online", m.onlineTTL
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(u.UserID), status, ttl)
		pipe.Publish(ctx, PresenceChannel, payload)
		return nil
	})
	return err
}

// Refresh extends the online key of a user that is still connected.
func (m *PresenceMirror) Refresh(ctx context.Context, userID int64) error {
	return m.client.Set(ctx, presenceKey(userID), "online", m.onlineTTL).Err()
}

// OnlineAmong returns which of userIDs have an online key, using one pipeline.
func (m *PresenceMirror) OnlineAmong(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	// Pipeline to reduce roundtrip
	cmds, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Get(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		val, _ := cmd.(*redis.StringCmd).Result()
		out[userIDs[i]] = val == "online"
	}
	return out, nil
}
