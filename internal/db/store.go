package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/4xmen/taskchat/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// DefaultHistoryLimit bounds the history pushed on join.
const DefaultHistoryLimit = 200

// NewMessage is a message accepted by the relay and about to be stored.
type NewMessage struct {
	RoomID      string
	RoomType    models.RoomType
	Sender      models.Sender
	Content     string
	MessageType models.ContentKind
	FileName    string
	FileSize    int64
	FileData    string
	TempID      models.MessageID
}

const messageColumns = `id, room_id, sender_id, sender_username, sender_avatar, content, message_type,
	file_name, file_size, file_data, temp_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m         models.Message
		id        int64
		avatar    sql.NullString
		fileName  sql.NullString
		fileData  sql.NullString
		tempID    sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&id, &m.RoomID, &m.SenderID, &m.Sender.Username, &avatar, &m.Content, &m.MessageType,
		&fileName, &m.FileSize, &fileData, &tempID, &createdAt)
	if err != nil {
		return m, err
	}
	m.ID = models.MessageID(strconv.FormatInt(id, 10))
	m.Sender.ID = m.SenderID
	m.Sender.Avatar = avatar.String
	m.FileName = fileName.String
	m.FileData = fileData.String
	m.TempID = models.MessageID(tempID.String)
	m.CreatedAt = createdAt.UTC()
	m.Confirmed = true
	return m, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveMessage stores the message with the sender snapshot taken now and
// returns it as it will be broadcast.
func (db *DB) SaveMessage(ctx context.Context, m NewMessage) (models.Message, error) {
	kind := m.MessageType
	if kind == "" {
		kind = models.KindText
	}
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO messages (room_id, room_type, sender_id, sender_username, sender_avatar, content, message_type,
			file_name, file_size, file_data, temp_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.RoomID, string(m.RoomType), m.Sender.ID, m.Sender.Username, nullable(m.Sender.Avatar), m.Content, string(kind),
		nullable(m.FileName), m.FileSize, nullable(m.FileData), nullable(string(m.TempID)))
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to get message id: %w", err)
	}
	return db.Message(ctx, id)
}

func (db *DB) Message(ctx context.Context, id int64) (models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("failed to fetch message: %w", err)
	}
	return m, nil
}

// RoomMessages returns up to limit messages older than beforeID (all when
// beforeID is 0) in ascending order.
func (db *DB) RoomMessages(ctx context.Context, roomID string, beforeID int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND (? = 0 OR id < ?)
		ORDER BY id DESC
		LIMIT ?
	`, roomID, beforeID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessage removes a message sent by senderID and returns its room.
func (db *DB) DeleteMessage(ctx context.Context, id int64, senderID int) (string, error) {
	var roomID string
	var owner int
	err := db.conn.QueryRowContext(ctx, "SELECT room_id, sender_id FROM messages WHERE id = ?", id).Scan(&roomID, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch message: %w", err)
	}
	if owner != senderID {
		return "", fmt.Errorf("message %d: %w", id, ErrForbidden)
	}

	if _, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("failed to delete message: %w", err)
	}
	return roomID, nil
}

func (db *DB) UserByID(ctx context.Context, id int) (models.User, error) {
	var u models.User
	var avatar sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, avatar_url, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &avatar, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return u, fmt.Errorf("failed to fetch user: %w", err)
	}
	if avatar.Valid {
		u.AvatarURL = &avatar.String
	}
	return u, nil
}

func (db *DB) SetTaskAssignee(ctx context.Context, projectID, taskID, userID int) error {
	if _, err := db.UserByID(ctx, userID); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO task_assignees (project_id, task_id, user_id) VALUES (?, ?, ?)
		ON CONFLICT(project_id, task_id, user_id) DO NOTHING
	`, projectID, taskID, userID)
	if err != nil {
		return fmt.Errorf("failed to assign user: %w", err)
	}
	return nil
}

func (db *DB) RemoveTaskAssignee(ctx context.Context, projectID, taskID, userID int) error {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM task_assignees WHERE project_id = ? AND task_id = ? AND user_id = ?",
		projectID, taskID, userID)
	if err != nil {
		return fmt.Errorf("failed to unassign user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("assignee %d: %w", userID, ErrNotFound)
	}
	return nil
}

// TaskAssignees lists the task's assignees ordered by username.
func (db *DB) TaskAssignees(ctx context.Context, projectID, taskID int) ([]models.Sender, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT u.id, u.username, COALESCE(u.avatar_url, '')
		FROM task_assignees a
		JOIN users u ON u.id = a.user_id
		WHERE a.project_id = ? AND a.task_id = ?
		ORDER BY u.username
	`, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch assignees: %w", err)
	}
	defer rows.Close()

	assignees := make([]models.Sender, 0)
	for rows.Next() {
		var s models.Sender
		if err := rows.Scan(&s.ID, &s.Username, &s.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan assignee: %w", err)
		}
		assignees = append(assignees, s)
	}
	return assignees, rows.Err()
}

// CanJoinTask reports whether userID may join the task's room. A task with
// no recorded assignees is open to every user.
func (db *DB) CanJoinTask(ctx context.Context, projectID, taskID, userID int) (bool, error) {
	var total, mine int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0)
		FROM task_assignees WHERE project_id = ? AND task_id = ?
	`, userID, projectID, taskID).Scan(&total, &mine)
	if err != nil {
		return false, fmt.Errorf("failed to check assignees: %w", err)
	}
	return total == 0 || mine > 0, nil
}

// Stats is a snapshot of the store's size.
type Stats struct {
	Users           int64
	Rooms           int64
	Messages        int64
	Attachments     int64
	AttachmentBytes int64
	MessagesLast24h int64
	LatestMessageAt string
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	return CollectStats(ctx, db.conn)
}

// CollectStats reads Stats from any connection to a migrated database.
func CollectStats(ctx context.Context, conn *sql.DB) (Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int64
		query string
	}{
		{&s.Users, "SELECT COUNT(*) FROM users"},
		{&s.Rooms, "SELECT COUNT(DISTINCT room_id) FROM messages"},
		{&s.Messages, "SELECT COUNT(*) FROM messages"},
		{&s.Attachments, "SELECT COUNT(*) FROM messages WHERE message_type <> 'TEXT'"},
		{&s.AttachmentBytes, "SELECT COALESCE(SUM(file_size), 0) FROM messages"},
		{&s.MessagesLast24h, "SELECT COUNT(*) FROM messages WHERE datetime(created_at) >= datetime('now', '-1 day')"},
	}
	for _, q := range queries {
		if err := conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return s, fmt.Errorf("could not read database stats: %w", err)
		}
	}

	var latest sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT CAST(MAX(created_at) AS TEXT) FROM messages").Scan(&latest); err != nil {
		return s, fmt.Errorf("could not read database stats: %w", err)
	}
	s.LatestMessageAt = latest.String
	return s, nil
}
