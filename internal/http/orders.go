package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
	"agrimarket/internal/service"
)

type checkoutRequest struct {
	ShippingAddress string            `json:"shipping_address" binding:"required,max=500"`
	Items           []cartItemRequest `json:"items" binding:"max=100,dive"`
}

func (h *Handler) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	in := service.CheckoutInput{ShippingAddress: req.ShippingAddress}
	if len(req.Items) > 0 {
		in.Items = toCartItems(req.Items)
	}
	orders, err := h.Orders.Checkout(c.Request.Context(), currentUser(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ordersToResponse(orders))
}

func (h *Handler) listOrders(c *gin.Context) {
	as := c.DefaultQuery("as", "buyer")
	if as != "buyer" && as != "seller" {
		badRequest(c, "as must be buyer or seller")
		return
	}
	orders, err := h.Orders.List(c.Request.Context(), currentUser(c), as == "seller")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ordersToResponse(orders))
}

func (h *Handler) getOrder(c *gin.Context) {
	h.orderAction(c, h.Orders.Get)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	h.orderAction(c, h.Orders.Cancel)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	h.orderAction(c, h.Orders.Confirm)
}

func (h *Handler) orderAction(c *gin.Context, action func(ctx context.Context, user *domain.User, id int64) (*domain.Order, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := action(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orderToResponse(order))
}

func ordersToResponse(orders []domain.Order) []OrderResponse {
	resp := make([]OrderResponse, len(orders))
	for i := range orders {
		resp[i] = orderToResponse(&orders[i])
	}
	return resp
}
