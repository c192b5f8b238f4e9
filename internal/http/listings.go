package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
	"agrimarket/internal/service"
)

type createListingRequest struct {
	Title       string `json:"title" binding:"required,max=120"`
	Description string `json:"description" binding:"max=5000"`
	Category    string `json:"category" binding:"max=60"`
	Unit        string `json:"unit" binding:"max=30"`
	PriceCents  int64  `json:"price_cents" binding:"required,gt=0,lte=1000000000"`
	Quantity    int64  `json:"quantity" binding:"gte=0,lte=1000000"`
	Currency    string `json:"currency" binding:"omitempty,iso4217"`
	Location    string `json:"location" binding:"max=120"`
	OnChain     bool   `json:"on_chain"`
}

type updateListingRequest struct {
	Title       *string `json:"title" binding:"omitempty,min=1,max=120"`
	Description *string `json:"description" binding:"omitempty,max=5000"`
	Category    *string `json:"category" binding:"omitempty,max=60"`
	Unit        *string `json:"unit" binding:"omitempty,max=30"`
	PriceCents  *int64  `json:"price_cents" binding:"omitempty,gt=0,lte=1000000000"`
	Quantity    *int64  `json:"quantity" binding:"omitempty,gte=0,lte=1000000"`
	Location    *string `json:"location" binding:"omitempty,max=120"`
}

type listListingsQuery struct {
	Category string `form:"category"`
	Location string `form:"location"`
	SellerID int64  `form:"seller_id" binding:"gte=0"`
	MinPrice int64  `form:"min_price" binding:"gte=0"`
	MaxPrice int64  `form:"max_price" binding:"gte=0"`
	Query    string `form:"q"`
	Status   string `form:"status"`
	Limit    int    `form:"limit" binding:"gte=0"`
	Offset   int    `form:"offset" binding:"gte=0"`
}

func (h *Handler) createListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	listing, err := h.Listings.Create(c.Request.Context(), currentUser(c), service.ListingInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Unit:        req.Unit,
		PriceCents:  req.PriceCents,
		Quantity:    req.Quantity,
		Currency:    req.Currency,
		Location:    req.Location,
		OnChain:     req.OnChain,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, listingToResponse(listing))
}

func (h *Handler) updateListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	listing, err := h.Listings.Update(c.Request.Context(), currentUser(c), id, service.ListingPatch{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Unit:        req.Unit,
		PriceCents:  req.PriceCents,
		Quantity:    req.Quantity,
		Location:    req.Location,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listingToResponse(listing))
}

func (h *Handler) archiveListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Listings.Archive(c.Request.Context(), currentUser(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getListing(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	listing, err := h.Listings.Get(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listingToResponse(listing))
}

func (h *Handler) listListings(c *gin.Context) {
	var q listListingsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	filter := domain.ListingFilter{
		Category: q.Category,
		Location: q.Location,
		SellerID: q.SellerID,
		MinPrice: q.MinPrice,
		MaxPrice: q.MaxPrice,
		Query:    q.Query,
		Limit:    q.Limit,
		Offset:   q.Offset,
	}
	for _, s := range strings.Split(q.Status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, domain.ListingStatus(s))
		}
	}

	listings, err := h.Listings.List(c.Request.Context(), currentUser(c), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]ListingResponse, len(listings))
	for i := range listings {
		resp[i] = listingToResponse(&listings[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) uploadListingImage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	image, file, ok := formUpload(c, "image")
	if !ok {
		return
	}
	defer file.Close()

	key, err := h.Listings.AddImage(c.Request.Context(), currentUser(c), id, image)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (h *Handler) listListingImages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	images, err := h.Listings.ImageURLs(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]ImageResponse, len(images))
	for i, img := range images {
		resp[i] = ImageResponse{Key: img.Key, URL: img.URL}
	}
	c.JSON(http.StatusOK, resp)
}
