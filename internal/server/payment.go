package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	paymentdomain "github.com/smallbiznis/tally/internal/payment/domain"
)

// @Summary      Trigger Invoice Payment
// @Description  Submit a purchase for the invoice's open balance
// @Tags         payments
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  paymentdomain.Payment
// @Router       /invoices/{id}/payments [post]
func (s *Server) TriggerInvoicePayment(c *gin.Context) {
	invoiceID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	resp, err := s.paymentSvc.TriggerPayment(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Payment
// @Description  Get payment with its transactions and attempts
// @Tags         payments
// @Produce      json
// @Param        id   path      string  true  "Payment ID"
// @Success      200  {object}  paymentdomain.Payment
// @Router       /payments/{id} [get]
func (s *Server) GetPayment(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	resp, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type pendingNotificationRequest struct {
	Success bool `json:"success"`
}

// @Summary      Resolve Pending Transaction
// @Description  Apply an out-of-band processor notification to a PENDING transaction
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        transaction_id  path  string                      true  "Transaction ID"
// @Param        request         body  pendingNotificationRequest  true  "Outcome"
// @Success      200  {object}  map[string]string
// @Router       /payments/notifications/{transaction_id} [post]
func (s *Server) NotifyPendingTransaction(c *gin.Context) {
	transactionID, ok := parseIDParam(c, "transaction_id")
	if !ok {
		return
	}

	var req pendingNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.paymentSvc.NotifyPendingTransactionOfStateChanged(c.Request.Context(), transactionID, req.Success); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "resolved"}})
}

type fixTransactionStateRequest struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	NewStatus     string `json:"new_status"`
	Retry         bool   `json:"retry"`
}

// @Summary      Fix Transaction State
// @Description  Administrative override of a transaction's recorded outcome
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        request body fixTransactionStateRequest true "Override"
// @Success      200  {object}  map[string]string
// @Router       /payments/fix-state [post]
func (s *Server) FixTransactionState(c *gin.Context) {
	var req fixTransactionStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	paymentID, err := snowflake.ParseString(strings.TrimSpace(req.PaymentID))
	if err != nil || paymentID == 0 {
		AbortWithError(c, newValidationError("payment_id", "invalid_payment_id", "invalid payment_id"))
		return
	}
	transactionID, err := snowflake.ParseString(strings.TrimSpace(req.TransactionID))
	if err != nil || transactionID == 0 {
		AbortWithError(c, newValidationError("transaction_id", "invalid_transaction_id", "invalid transaction_id"))
		return
	}

	status := paymentdomain.TransactionStatus(strings.ToUpper(strings.TrimSpace(req.NewStatus)))

	if err := s.paymentSvc.FixTransactionState(c.Request.Context(), paymentID, transactionID, status, req.Retry); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "fixed"}})
}

type chargebackRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// @Summary      Record Chargeback
// @Description  Reverse part of a successful purchase with a linked chargeback transaction
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        id       path  string             true  "Payment ID"
// @Param        request  body  chargebackRequest  true  "Chargeback"
// @Success      200  {object}  paymentdomain.PaymentTransaction
// @Router       /payments/{id}/chargebacks [post]
func (s *Server) Chargeback(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req chargebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.Chargeback(c.Request.Context(), paymentID, req.AmountCents)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Reverse Chargeback
// @Description  Re-apply a previously charged-back amount
// @Tags         payments
// @Produce      json
// @Param        id             path  string  true  "Payment ID"
// @Param        chargeback_id  path  string  true  "Chargeback Transaction ID"
// @Success      200  {object}  paymentdomain.PaymentTransaction
// @Router       /payments/{id}/chargebacks/{chargeback_id}/reverse [post]
func (s *Server) ChargebackReversal(c *gin.Context) {
	paymentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	chargebackID, ok := parseIDParam(c, "chargeback_id")
	if !ok {
		return
	}

	resp, err := s.paymentSvc.ChargebackReversal(c.Request.Context(), paymentID, chargebackID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
