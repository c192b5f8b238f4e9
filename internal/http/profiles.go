package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
	"agrimarket/internal/service"
)

type updateProfileRequest struct {
	FullName      *string `json:"full_name" binding:"omitempty,max=120"`
	Phone         *string `json:"phone" binding:"omitempty,msisdn"`
	Location      *string `json:"location" binding:"omitempty,max=120"`
	Bio           *string `json:"bio" binding:"omitempty,max=2000"`
	WalletAddress *string `json:"wallet_address"`
}

type reviewKYCRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note" binding:"max=500"`
}

func (h *Handler) getProfile(c *gin.Context) {
	profile, err := h.Profiles.Get(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profileToResponse(profile))
}

func (h *Handler) updateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	profile, err := h.Profiles.Update(c.Request.Context(), currentUser(c).ID, service.ProfileUpdate{
		FullName:      req.FullName,
		Phone:         req.Phone,
		Location:      req.Location,
		Bio:           req.Bio,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profileToResponse(profile))
}

func (h *Handler) submitKYC(c *gin.Context) {
	doc, file, ok := formUpload(c, "document")
	if !ok {
		return
	}
	defer file.Close()

	profile, err := h.Profiles.SubmitKYC(c.Request.Context(), currentUser(c).ID, doc)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, profileToResponse(profile))
}

func (h *Handler) listKYC(c *gin.Context) {
	profiles, err := h.Profiles.ListKYC(c.Request.Context(), domain.KYCStatus(c.Query("status")))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]ProfileResponse, len(profiles))
	for i := range profiles {
		resp[i] = profileToResponse(&profiles[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) reviewKYC(c *gin.Context) {
	userID, ok := pathID(c, "userID")
	if !ok {
		return
	}
	var req reviewKYCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	profile, err := h.Profiles.ReviewKYC(c.Request.Context(), userID, *req.Approve, req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profileToResponse(profile))
}

func (h *Handler) kycDocument(c *gin.Context) {
	userID, ok := pathID(c, "userID")
	if !ok {
		return
	}
	url, err := h.Profiles.DocumentURL(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
