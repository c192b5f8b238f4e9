package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/domain"
)

const maxWebhookBytes = 1 << 20

type initiatePaymentRequest struct {
	OrderID  int64  `json:"order_id" binding:"required,gt=0"`
	Provider string `json:"provider" binding:"required,oneof=card mobile_money crypto"`
	Phone    string `json:"phone" binding:"omitempty,msisdn"`
}

type confirmCryptoRequest struct {
	TxHash string `json:"tx_hash" binding:"required,startswith=0x,len=66,hexadecimal"`
}

func (h *Handler) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.Payments.Initiate(c.Request.Context(), currentUser(c), req.OrderID, domain.PaymentProvider(req.Provider), req.Phone)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, paymentToResponse(p, currentUser(c)))
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.Payments.Get(c.Request.Context(), currentUser(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentToResponse(p, currentUser(c)))
}

// confirmCryptoPayment answers 202 while the transfer still lacks confirmations.
func (h *Handler) confirmCryptoPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req confirmCryptoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.Payments.ConfirmCrypto(c.Request.Context(), currentUser(c), id, req.TxHash)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if p.Status == domain.PaymentStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, paymentToResponse(p, currentUser(c)))
}

func (h *Handler) cardWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if err := h.Payments.HandleCardWebhook(c.Request.Context(), payload, c.GetHeader("Signature")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) mobileMoneyCallback(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if err := h.Payments.HandleMobileMoneyCallback(c.Request.Context(), payload); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}
