package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
	"agrimarket/internal/service"
)

type assignDeliveryRequest struct {
	TransporterID int64 `json:"transporter_id" binding:"required,gt=0"`
}

type deliveryStatusRequest struct {
	Status   string `json:"status" binding:"required,oneof=picked_up in_transit delivered failed"`
	Note     string `json:"note" binding:"max=500"`
	Location string `json:"location" binding:"max=200"`
}

func (h *Handler) listDeliveries(c *gin.Context) {
	deliveries, err := h.Deliveries.ListMine(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]DeliveryResponse, len(deliveries))
	for i := range deliveries {
		resp[i] = deliveryToResponse(&deliveries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getOrderDelivery(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.Deliveries.GetForOrder(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveryToResponse(d))
}

func (h *Handler) assignDelivery(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req assignDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := h.Deliveries.Assign(c.Request.Context(), currentUser(c), id, req.TransporterID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveryToResponse(d))
}

func (h *Handler) updateDeliveryStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req deliveryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	d, err := h.Deliveries.UpdateStatus(c.Request.Context(), currentUser(c), id, service.DeliveryUpdate{
		Status:   domain.DeliveryStatus(req.Status),
		Note:     req.Note,
		Location: req.Location,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveryToResponse(d))
}
