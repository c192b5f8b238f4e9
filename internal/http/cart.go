package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
)

type setCartItemRequest struct {
	Quantity *int64 `json:"quantity" binding:"required"`
}

type cartItemRequest struct {
	ListingID int64 `json:"listing_id" binding:"required,gt=0"`
	Quantity  int64 `json:"quantity"`
}

type syncCartRequest struct {
	Items []cartItemRequest `json:"items" binding:"max=100,dive"`
}

func toCartItems(reqs []cartItemRequest) []domain.CartItem {
	items := make([]domain.CartItem, len(reqs))
	for i, r := range reqs {
		items[i] = domain.CartItem{ListingID: r.ListingID, Quantity: r.Quantity}
	}
	return items
}

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.Cart.Get(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cartToResponse(view, nil))
}

func (h *Handler) setCartItem(c *gin.Context) {
	listingID, ok := pathID(c, "listingID")
	if !ok {
		return
	}
	var req setCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	view, err := h.Cart.SetItem(c.Request.Context(), currentUser(c), listingID, *req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cartToResponse(view, nil))
}

func (h *Handler) syncCart(c *gin.Context) {
	var req syncCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	view, adjustments, err := h.Cart.Sync(c.Request.Context(), currentUser(c), toCartItems(req.Items))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cartToResponse(view, adjustments))
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.Cart.Clear(c.Request.Context(), currentUser(c).ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
