package repository

import (
	"context"
	"time"

	"agrimarket/internal/domain"
)

// ChatRepository persists chat sessions, their participants and messages.
type ChatRepository interface {
	Init(ctx context.Context) error
	CreateSession(ctx context.Context, session *domain.ChatSession) (int64, error)
	GetSession(ctx context.Context, id int64) (*domain.ChatSession, error)
	ListSessionsForUser(ctx context.Context, userID int64) ([]domain.ChatSession, error)
	AddMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error)
	ListMessages(ctx context.Context, sessionID int64, limit int, before *time.Time) ([]domain.ChatMessage, error)
}
