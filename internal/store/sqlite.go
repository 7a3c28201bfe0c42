package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mossy-p/realtime-core/internal/models"
)

// SQLite is a single-file Store for single-node deployments.
type SQLite struct {
	conn  *sql.DB
	nowFn func() time.Time
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db := &SQLite{conn: conn, nowFn: time.Now}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *SQLite) Close() error {
	return db.conn.Close()
}

func (db *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS friend_group_members (
			group_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_user_id INTEGER NOT NULL,
			to_user_id INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			voice_message_url TEXT,
			voice_message_duration INTEGER,
			is_read INTEGER NOT NULL DEFAULT 0,
			read_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_user_id, to_user_id, id)`,
		`CREATE TABLE IF NOT EXISTS group_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_user_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			voice_message_url TEXT,
			voice_message_duration INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			related_user_id INTEGER,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := db.conn.Exec(q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// AddUser inserts a user row with the given id.
func (db *SQLite) AddUser(ctx context.Context, id int64, username string) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO users (id, username) VALUES (?, ?)`, id, username)
	return err
}

// AddGroupMember records userID as a member of groupID.
func (db *SQLite) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	_, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO friend_group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	return err
}

func (db *SQLite) Save(ctx context.Context, msg *models.Message) (*models.Message, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, content, voice_message_url, voice_message_duration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.FromUserID, msg.ToUserID, msg.Content, msg.VoiceMessageURL, msg.VoiceMessageDuration, db.nowFn().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.Get(ctx, id)
}

func (db *SQLite) SaveGroup(ctx context.Context, msg *models.GroupMessage) (*models.GroupMessage, error) {
	saved := *msg
	saved.CreatedAt = db.nowFn().UTC()
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO group_messages (from_user_id, group_id, content, voice_message_url, voice_message_duration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.FromUserID, msg.GroupID, msg.Content, msg.VoiceMessageURL, msg.VoiceMessageDuration, saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save group message: %w", err)
	}
	if saved.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (db *SQLite) Get(ctx context.Context, id int64) (*models.Message, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, models.ErrNotFound)
	}
	return msg, err
}

func (db *SQLite) MarkRead(ctx context.Context, id int64, at time.Time) (*models.Message, bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0`, at.UTC(), id)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	msg, err := db.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return msg, n > 0, nil
}

func (db *SQLite) Between(ctx context.Context, a, b int64, limit int) ([]*models.Message, error) {
	return db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE (from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)
		ORDER BY id DESC LIMIT ?`, a, b, b, a, ClampLimit(limit))
}

func (db *SQLite) RecentFor(ctx context.Context, userID int64, limit int) ([]*models.Message, error) {
	return db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE from_user_id = ? OR to_user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, userID, ClampLimit(limit))
}

func (db *SQLite) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *SQLite) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT user_id FROM friend_group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("group %d: %w", groupID, models.ErrNotFound)
	}
	return members, nil
}

func (db *SQLite) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists)
	return exists, err
}

func (db *SQLite) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	saved := *n
	saved.CreatedAt = db.nowFn().UTC()
	saved.IsRead = false
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO notifications (user_id, type, message, related_user_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.UserID, string(n.Type), n.Message, n.RelatedUserID, saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	if saved.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &saved, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var (
		msg      models.Message
		url      sql.NullString
		duration sql.NullInt64
		readAt   sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.FromUserID, &msg.ToUserID, &msg.Content,
		&url, &duration, &msg.IsRead, &readAt, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if url.Valid {
		msg.VoiceMessageURL = &url.String
	}
	if duration.Valid {
		d := int(duration.Int64)
		msg.VoiceMessageDuration = &d
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	return &msg, nil
}
