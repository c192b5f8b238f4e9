package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const createChatTables = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	room TEXT NOT NULL UNIQUE,
	created_by INTEGER NOT NULL,
	order_id INTEGER NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(created_by) REFERENCES users(id),
	FOREIGN KEY(order_id) REFERENCES orders(id)
);

CREATE TABLE IF NOT EXISTS chat_participants (
	session_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (session_id, user_id),
	FOREIGN KEY(session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_chat_participants_user_id ON chat_participants(user_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,
	FOREIGN KEY(sender_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id ON chat_messages(session_id, id);
`

type ChatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) repository.ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createChatTables); err != nil {
		return fmt.Errorf("create chat tables: %w", err)
	}
	return nil
}

func (r *ChatRepository) CreateSession(ctx context.Context, s *domain.ChatSession) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	s.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
INSERT INTO chat_sessions (kind, room, created_by, order_id, created_at)
VALUES (?, ?, ?, ?, ?)`,
		string(s.Kind),
		s.Room,
		s.CreatedBy,
		nullInt64(s.OrderID),
		s.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert chat session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chat session last insert id: %w", err)
	}

	for _, userID := range s.Participants {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO chat_participants (session_id, user_id) VALUES (?, ?)`, id, userID); err != nil {
			return 0, fmt.Errorf("insert chat participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chat session: %w", err)
	}
	s.ID = id
	return id, nil
}

func (r *ChatRepository) GetSession(ctx context.Context, id int64) (*domain.ChatSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, kind, room, created_by, order_id, created_at
FROM chat_sessions WHERE id=?`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if s.Participants, err = r.participants(ctx, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *ChatRepository) ListSessionsForUser(ctx context.Context, userID int64) ([]domain.ChatSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT s.id, s.kind, s.room, s.created_by, s.order_id, s.created_at
FROM chat_sessions s
JOIN chat_participants p ON p.session_id = s.id
WHERE p.user_id=?
ORDER BY s.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}

	sessions := []domain.ChatSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range sessions {
		if sessions[i].Participants, err = r.participants(ctx, sessions[i].ID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (r *ChatRepository) AddMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error) {
	msg.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO chat_messages (session_id, sender_id, body, created_at)
VALUES (?, ?, ?, ?)`,
		msg.SessionID,
		msg.SenderID,
		msg.Body,
		msg.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert chat message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chat message last insert id: %w", err)
	}
	msg.ID = id
	return id, nil
}

// ListMessages returns up to limit messages older than before, oldest first.
func (r *ChatRepository) ListMessages(ctx context.Context, sessionID int64, limit int, before *time.Time) ([]domain.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
SELECT id, session_id, sender_id, body, created_at
FROM chat_messages
WHERE session_id=?`
	args := []any{sessionID}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.ChatMessage, len(messages))
	for i := range messages {
		out[len(messages)-1-i] = messages[i]
	}
	return out, nil
}

func (r *ChatRepository) participants(ctx context.Context, sessionID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id FROM chat_participants WHERE session_id=? ORDER BY user_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row scanner) (*domain.ChatSession, error) {
	var (
		s       domain.ChatSession
		kind    string
		orderID sql.NullInt64
	)
	if err := row.Scan(&s.ID, &kind, &s.Room, &s.CreatedBy, &orderID, &s.CreatedAt); err != nil {
		return nil, notFound(err, "chat session")
	}
	s.Kind = domain.SessionKind(kind)
	if orderID.Valid {
		id := orderID.Int64
		s.OrderID = &id
	}
	return &s, nil
}
