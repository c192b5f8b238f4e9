package domain

import "time"

type SessionKind string

const (
	SessionKindChat  SessionKind = "chat"
	SessionKindVideo SessionKind = "video"
)

// ChatSession is a conversation (text or video) between marketplace users.
type ChatSession struct {
	ID           int64
	Kind         SessionKind
	Room         string
	CreatedBy    int64
	OrderID      *int64
	Participants []int64
	CreatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the session.
func (s *ChatSession) HasParticipant(userID int64) bool {
	for _, id := range s.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatMessage is a persisted text message of a session.
type ChatMessage struct {
	ID        int64
	SessionID int64
	SenderID  int64
	Body      string
	CreatedAt time.Time
}
