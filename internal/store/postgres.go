package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/realtime-core/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS friend_group_members (
	group_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	PRIMARY KEY (group_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	from_user_id BIGINT NOT NULL,
	to_user_id BIGINT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	voice_message_url TEXT,
	voice_message_duration INTEGER,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	read_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (from_user_id, to_user_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages (to_user_id, id);
CREATE TABLE IF NOT EXISTS group_messages (
	id BIGSERIAL PRIMARY KEY,
	from_user_id BIGINT NOT NULL,
	group_id BIGINT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	voice_message_url TEXT,
	voice_message_duration INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS notifications (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	related_user_id BIGINT,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const messageColumns = `id, from_user_id, to_user_id, content, voice_message_url, voice_message_duration, is_read, read_at, created_at`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

func (db *Postgres) Save(ctx context.Context, msg *models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (from_user_id, to_user_id, content, voice_message_url, voice_message_duration)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + messageColumns

	row := db.pool.QueryRow(ctx, query, msg.FromUserID, msg.ToUserID, msg.Content, msg.VoiceMessageURL, msg.VoiceMessageDuration)
	saved, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return saved, nil
}

func (db *Postgres) SaveGroup(ctx context.Context, msg *models.GroupMessage) (*models.GroupMessage, error) {
	query := `
		INSERT INTO group_messages (from_user_id, group_id, content, voice_message_url, voice_message_duration)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	saved := *msg
	err := db.pool.QueryRow(ctx, query, msg.FromUserID, msg.GroupID, msg.Content, msg.VoiceMessageURL, msg.VoiceMessageDuration).
		Scan(&saved.ID, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save group message: %w", err)
	}
	return &saved, nil
}

func (db *Postgres) Get(ctx context.Context, id int64) (*models.Message, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	return msg, err
}

func (db *Postgres) MarkRead(ctx context.Context, id int64, at time.Time) (*models.Message, bool, error) {
	// only an unread row matches, so exactly one caller sees the flip
	query := `
		UPDATE messages SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND NOT is_read
		RETURNING ` + messageColumns

	msg, err := scanMessage(db.pool.QueryRow(ctx, query, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// already read, or missing; Get tells the two apart
		msg, err = db.Get(ctx, id)
		return msg, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func (db *Postgres) Between(ctx context.Context, a, b int64, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE (from_user_id = $1 AND to_user_id = $2) OR (from_user_id = $2 AND to_user_id = $1)
		ORDER BY id DESC
		LIMIT $3`
	return db.queryMessages(ctx, query, a, b, ClampLimit(limit))
}

func (db *Postgres) RecentFor(ctx context.Context, userID int64, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY id DESC
		LIMIT $2`
	return db.queryMessages(ctx, query, userID, ClampLimit(limit))
}

func (db *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *Postgres) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := db.pool.Query(ctx, `SELECT user_id FROM friend_group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("group %d: %w", groupID, models.ErrNotFound)
	}
	return members, nil
}

func (db *Postgres) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (db *Postgres) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	query := `
		INSERT INTO notifications (user_id, type, message, related_user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_read, created_at`

	saved := *n
	err := db.pool.QueryRow(ctx, query, n.UserID, string(n.Type), n.Message, n.RelatedUserID).
		Scan(&saved.ID, &saved.IsRead, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return &saved, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID, &msg.FromUserID, &msg.ToUserID, &msg.Content,
		&msg.VoiceMessageURL, &msg.VoiceMessageDuration,
		&msg.IsRead, &msg.ReadAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}
