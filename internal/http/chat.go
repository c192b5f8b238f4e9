package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"agrimarket/internal/chat"
	"agrimarket/internal/domain"
)

type createSessionRequest struct {
	Kind           string  `json:"kind" binding:"required,oneof=chat video"`
	ParticipantIDs []int64 `json:"participant_ids" binding:"required,min=1,max=20,dive,gt=0"`
	OrderID        *int64  `json:"order_id" binding:"omitempty,gt=0"`
}

type postMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

type listMessagesQuery struct {
	Limit  int    `form:"limit" binding:"gte=0"`
	Before string `form:"before"`
}

func (h *Handler) createChatSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	session, err := h.Chat.CreateSession(c.Request.Context(), currentUser(c), domain.SessionKind(req.Kind), req.ParticipantIDs, req.OrderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionToResponse(session))
}

func (h *Handler) listChatSessions(c *gin.Context) {
	sessions, err := h.Chat.ListSessions(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]ChatSessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = sessionToResponse(&sessions[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) chatToken(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	token, expires, session, err := h.Chat.IssueToken(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": formatTime(expires),
		"room":       session.Room,
		"kind":       session.Kind,
	})
}

func (h *Handler) postChatMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.Chat.PostMessage(c.Request.Context(), currentUser(c).ID, id, req.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageToResponse(msg))
}

func (h *Handler) listChatMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var q listMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	var before *time.Time
	if q.Before != "" {
		t, err := time.Parse(time.RFC3339, q.Before)
		if err != nil {
			badRequest(c, "before must be an RFC3339 timestamp")
			return
		}
		before = &t
	}
	messages, err := h.Chat.ListMessages(c.Request.Context(), currentUser(c), id, q.Limit, before)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]ChatMessageResponse, len(messages))
	for i := range messages {
		resp[i] = messageToResponse(&messages[i])
	}
	c.JSON(http.StatusOK, resp)
}

// chatSocket joins the websocket to the room named in the chat token.
// Frames are either {"body": "..."} or plain text.
func (h *Handler) chatSocket(c *gin.Context) {
	if h.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat hub not available"})
		return
	}
	claims, err := h.Chat.ParseToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid chat token"})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid chat token"})
		return
	}

	inbound := func(ctx context.Context, payload []byte) error {
		body := string(payload)
		if frame := gjson.ParseBytes(payload); gjson.ValidBytes(payload) && frame.IsObject() {
			body = frame.Get("body").String()
		}
		_, err := h.Chat.PostMessage(ctx, userID, claims.SessionID, body)
		return err
	}
	err = h.Hub.Serve(c.Writer, c.Request, claims.Room, userID, inbound)
	switch {
	case errors.Is(err, chat.ErrHubClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		// the upgrader has already answered the request
		h.Logger.WithFields(logrus.Fields{
			"session_id": claims.SessionID,
			"user_id":    userID,
		}).Warnf("chat upgrade failed: %v", err)
	}
}
