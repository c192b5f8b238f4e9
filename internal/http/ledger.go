package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agrimarket/internal/ledger"
)

type withdrawRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func receiptToResponse(r ledger.Receipt) ReceiptResponse {
	return ReceiptResponse{TxHash: r.TxHash, Sequence: r.Sequence}
}

func (h *Handler) ledgerEnabled(c *gin.Context) bool {
	if h.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not available"})
		return false
	}
	return true
}

func (h *Handler) registerLedgerFarmer(c *gin.Context) {
	if !h.ledgerEnabled(c) {
		return
	}
	account, receipt, err := h.Ledger.RegisterFarmer(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"account": accountToResponse(account),
		"receipt": receiptToResponse(receipt),
	})
}

func (h *Handler) ledgerAccount(c *gin.Context) {
	if !h.ledgerEnabled(c) {
		return
	}
	account, err := h.Ledger.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, accountToResponse(account))
}

func (h *Handler) ledgerWithdraw(c *gin.Context) {
	if !h.ledgerEnabled(c) {
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	receipt, err := h.Ledger.Withdraw(c.Request.Context(), currentUser(c), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receiptToResponse(receipt))
}

func (h *Handler) ledgerProduct(c *gin.Context) {
	if !h.ledgerEnabled(c) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.Ledger.Product(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ProductResponse{
		ID:     p.ID,
		Farmer: p.Farmer,
		Name:   p.Name,
		Price:  p.Price,
		Stock:  p.Stock,
	})
}
