package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

const (
	maxMessageLength    = 2000
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	maxParticipants     = 20
)

// Notifier fans a payload out to every connection joined to a room.
type Notifier interface {
	Broadcast(room string, payload []byte)
}

// ChatClaims authorise a websocket or SFU connection to one session room.
type ChatClaims struct {
	SessionID int64              `json:"sid"`
	Kind      domain.SessionKind `json:"kind"`
	Room      string             `json:"room"`
	jwt.RegisteredClaims
}

func (c *ChatClaims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// MessageEvent is the frame broadcast for each new message.
type MessageEvent struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	SessionID int64  `json:"session_id"`
	SenderID  int64  `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type ChatService interface {
	CreateSession(ctx context.Context, user *domain.User, kind domain.SessionKind, participantIDs []int64, orderID *int64) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, user *domain.User) ([]domain.ChatSession, error)
	IssueToken(ctx context.Context, user *domain.User, sessionID int64) (string, time.Time, *domain.ChatSession, error)
	ParseToken(token string) (*ChatClaims, error)
	PostMessage(ctx context.Context, userID, sessionID int64, body string) (*domain.ChatMessage, error)
	ListMessages(ctx context.Context, user *domain.User, sessionID int64, limit int, before *time.Time) ([]domain.ChatMessage, error)
	SetNotifier(n Notifier)
}

type chatService struct {
	chats    repository.ChatRepository
	users    repository.UserRepository
	orders   repository.OrderRepository
	secret   []byte
	ttl      time.Duration
	notifier Notifier
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewChatService(chats repository.ChatRepository, users repository.UserRepository, orders repository.OrderRepository, secret string, ttl time.Duration, logger logrus.FieldLogger) ChatService {
	return &chatService{
		chats:  chats,
		users:  users,
		orders: orders,
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (s *chatService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *chatService) CreateSession(ctx context.Context, user *domain.User, kind domain.SessionKind, participantIDs []int64, orderID *int64) (*domain.ChatSession, error) {
	if kind != domain.SessionKindChat && kind != domain.SessionKindVideo {
		return nil, domain.Invalid("unknown session kind %q", kind)
	}

	seen := map[int64]bool{user.ID: true}
	participants := []int64{user.ID}
	for _, id := range participantIDs {
		if seen[id] {
			continue
		}
		if _, err := s.users.GetByID(ctx, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.Invalid("participant %d does not exist", id)
			}
			return nil, err
		}
		seen[id] = true
		participants = append(participants, id)
	}
	if len(participants) < 2 {
		return nil, domain.Invalid("a session needs at least two participants")
	}
	if len(participants) > maxParticipants {
		return nil, domain.Invalid("a session holds at most %d participants", maxParticipants)
	}

	if orderID != nil {
		order, err := s.orders.Get(ctx, *orderID)
		if err != nil {
			return nil, err
		}
		if !order.IsParticipant(user.ID) && user.Role != domain.RoleAdmin {
			return nil, fmt.Errorf("order %d: %w", *orderID, domain.ErrForbidden)
		}
	}

	session := &domain.ChatSession{
		Kind:         kind,
		Room:         fmt.Sprintf("%s-%s", kind, uuid.NewString()),
		CreatedBy:    user.ID,
		OrderID:      orderID,
		Participants: participants,
		CreatedAt:    s.now().UTC(),
	}
	if _, err := s.chats.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *chatService) ListSessions(ctx context.Context, user *domain.User) ([]domain.ChatSession, error) {
	return s.chats.ListSessionsForUser(ctx, user.ID)
}

func (s *chatService) IssueToken(ctx context.Context, user *domain.User, sessionID int64) (string, time.Time, *domain.ChatSession, error) {
	session, err := s.member(ctx, user.ID, sessionID)
	if err != nil {
		return "", time.Time{}, nil, err
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := ChatClaims{
		SessionID: session.ID,
		Kind:      session.Kind,
		Room:      session.Room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, nil, fmt.Errorf("sign chat token: %w", err)
	}
	return signed, expires, session, nil
}

func (s *chatService) ParseToken(token string) (*ChatClaims, error) {
	claims := &ChatClaims{}
	if err := parseHS256(token, s.secret, claims, s.now); err != nil {
		return nil, err
	}
	if _, err := claims.UserID(); err != nil || claims.SessionID == 0 || claims.Room == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *chatService) PostMessage(ctx context.Context, userID, sessionID int64, body string) (*domain.ChatMessage, error) {
	body = sanitizeText(body)
	if body == "" {
		return nil, domain.Invalid("message is empty")
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return nil, domain.Invalid("message exceeds %d characters", maxMessageLength)
	}
	session, err := s.member(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &domain.ChatMessage{
		SessionID: sessionID,
		SenderID:  userID,
		Body:      body,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.chats.AddMessage(ctx, msg); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		payload, err := json.Marshal(MessageEvent{
			Type:      "message",
			ID:        msg.ID,
			SessionID: msg.SessionID,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			s.logger.WithError(err).Warn("failed to encode chat message")
		} else {
			s.notifier.Broadcast(session.Room, payload)
		}
	}
	return msg, nil
}

func (s *chatService) ListMessages(ctx context.Context, user *domain.User, sessionID int64, limit int, before *time.Time) ([]domain.ChatMessage, error) {
	if _, err := s.member(ctx, user.ID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	return s.chats.ListMessages(ctx, sessionID, limit, before)
}

func (s *chatService) member(ctx context.Context, userID, sessionID int64) (*domain.ChatSession, error) {
	session, err := s.chats.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, fmt.Errorf("chat session %d: %w", sessionID, domain.ErrForbidden)
	}
	return session, nil
}
