package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/render"
)

type generateInvoicesRequest struct {
	AccountID  string `json:"account_id"`
	TargetDate string `json:"target_date"`
	DryRun     bool   `json:"dry_run"`
}

// @Summary      Generate Invoices
// @Description  Run one invoicing pass over an account as of a target date
// @Tags         invoices
// @Accept       json
// @Produce      json
// @Param        request body generateInvoicesRequest true "Generate Request"
// @Success      200  {object}  []invoicedomain.Invoice
// @Router       /invoices/generate [post]
func (s *Server) GenerateInvoices(c *gin.Context) {
	var req generateInvoicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := snowflake.ParseString(strings.TrimSpace(req.AccountID))
	if err != nil || accountID == 0 {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}

	targetDate, err := time.Parse(time.RFC3339, strings.TrimSpace(req.TargetDate))
	if err != nil {
		// Date-only form is the common caller shape.
		targetDate, err = time.Parse("2006-01-02", strings.TrimSpace(req.TargetDate))
	}
	if err != nil {
		AbortWithError(c, newValidationError("target_date", "invalid_target_date", "target_date must be RFC3339 or YYYY-MM-DD"))
		return
	}

	resp, err := s.invoiceSvc.GenerateInvoice(c.Request.Context(), invoicedomain.GenerateRequest{
		AccountID:  accountID,
		TargetDate: targetDate.UTC(),
		DryRun:     req.DryRun,
	})
	if errors.Is(err, invoicedomain.ErrNothingToDo) {
		c.JSON(http.StatusOK, gin.H{"data": []invoicedomain.Invoice{}, "code": "nothing_to_do"})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Invoice
// @Description  Get invoice with its item ledger
// @Tags         invoices
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  invoicedomain.Invoice
// @Router       /invoices/{id} [get]
func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	resp, err := s.invoiceSvc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Render Invoice
// @Description  Render the invoice as a standalone HTML document
// @Tags         invoices
// @Produce      html
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {string}  string
// @Router       /invoices/{id}/html [get]
func (s *Server) GetInvoiceHTML(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	invoice, err := s.invoiceSvc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.accountSvc.GetAccount(c.Request.Context(), invoice.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	html, err := s.renderer.RenderHTML(render.BuildInput(*invoice, account.ExternalKey, account.Name))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// @Summary      Commit Invoice
// @Description  Transition a draft invoice to COMMITTED
// @Tags         invoices
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  map[string]string
// @Router       /invoices/{id}/commit [post]
func (s *Server) CommitInvoice(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := s.invoiceSvc.CommitInvoice(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "committed"}})
}

type adjustItemRequest struct {
	ItemID      string `json:"item_id"`
	AmountCents *int64 `json:"amount_cents"`
}

// @Summary      Adjust Invoice Item
// @Description  Append an ITEM_ADJ against a charge item; omit amount_cents to adjust the full remaining amount
// @Tags         invoices
// @Accept       json
// @Produce      json
// @Param        id       path  string             true  "Invoice ID"
// @Param        request  body  adjustItemRequest  true  "Adjustment"
// @Success      200  {object}  invoicedomain.InvoiceItem
// @Router       /invoices/{id}/adjustments [post]
func (s *Server) AdjustInvoiceItem(c *gin.Context) {
	invoiceID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req adjustItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	itemID, err := snowflake.ParseString(strings.TrimSpace(req.ItemID))
	if err != nil || itemID == 0 {
		AbortWithError(c, newValidationError("item_id", "invalid_item_id", "invalid item_id"))
		return
	}

	resp, err := s.invoiceSvc.InsertItemAdjustment(c.Request.Context(), invoiceID, itemID, req.AmountCents)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
