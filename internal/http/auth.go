package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
)

// Email format is checked by the user service after trimming.
type registerRequest struct {
	Email       string `json:"email" binding:"required,max=254"`
	Password    string `json:"password" binding:"required,min=8,max=128"`
	Role        string `json:"role" binding:"required,role"`
	AdminSecret string `json:"admin_secret"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,max=254"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := h.Users.Register(c.Request.Context(), req.Email, req.Password, domain.Role(req.Role), req.AdminSecret)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.startSession(c, http.StatusCreated, user)
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := h.Users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.startSession(c, http.StatusOK, user)
}

func (h *Handler) startSession(c *gin.Context, status int, user *domain.User) {
	token, expires, err := h.Tokens.Issue(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.CookieName, token, int(time.Until(expires).Seconds()), "/", "", h.CookieSecure, true)
	c.JSON(status, SessionResponse{
		Token:     token,
		ExpiresAt: formatTime(expires),
		User:      userToResponse(user),
	})
}

func (h *Handler) logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.CookieName, "", -1, "/", "", h.CookieSecure, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, userToResponse(currentUser(c)))
}
