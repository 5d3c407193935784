package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
)

type createAccountRequest struct {
	ExternalKey      string `json:"external_key"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	ParentID         string `json:"parent_id"`
	PaymentDelegated bool   `json:"payment_delegated"`
}

// @Summary      Create Account
// @Description  Create a new billable account
// @Tags         accounts
// @Accept       json
// @Produce      json
// @Param        request body createAccountRequest true "Create Account Request"
// @Success      200  {object}  accountdomain.Account
// @Router       /accounts [post]
func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var parentID *snowflake.ID
	if strings.TrimSpace(req.ParentID) != "" {
		id, err := snowflake.ParseString(req.ParentID)
		if err != nil {
			AbortWithError(c, newValidationError("parent_id", "invalid_parent_id", "invalid parent_id"))
			return
		}
		parentID = &id
	}

	resp, err := s.accountSvc.CreateAccount(c.Request.Context(), accountdomain.CreateRequest{
		ExternalKey:      strings.TrimSpace(req.ExternalKey),
		Name:             strings.TrimSpace(req.Name),
		Currency:         strings.TrimSpace(req.Currency),
		ParentID:         parentID,
		PaymentDelegated: req.PaymentDelegated,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := resp.ID.String()
		_ = s.auditSvc.Record(c.Request.Context(), &resp.ID, auditdomain.ActorTypeAdmin, "account.create", "account", &targetID, map[string]any{
			"external_key": resp.ExternalKey,
			"currency":     resp.Currency,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Account
// @Description  Get account by ID or external key
// @Tags         accounts
// @Produce      json
// @Param        id   path      string  true  "Account ID"
// @Success      200  {object}  accountdomain.Account
// @Router       /accounts/{id} [get]
func (s *Server) GetAccount(c *gin.Context) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := snowflake.ParseString(raw)
	if err == nil && id != 0 {
		resp, err := s.accountSvc.GetAccount(c.Request.Context(), id)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": resp})
		return
	}

	// Not a snowflake, treat it as an external key.
	resp, err := s.accountSvc.GetAccountByExternalKey(c.Request.Context(), raw)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      Get Account Balance
// @Description  Account-wide invoice balance and credit reserve
// @Tags         accounts
// @Produce      json
// @Param        id   path      string  true  "Account ID"
// @Success      200  {object}  map[string]int64
// @Router       /accounts/{id}/balance [get]
func (s *Server) GetAccountBalance(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	balance, err := s.invoiceSvc.AccountBalanceCents(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	cba, err := s.invoiceSvc.AccountCBACents(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"balance_cents": balance,
		"cba_cents":     cba,
	}})
}

// @Summary      Transfer Child Credit
// @Description  Move a delegated child's credit reserve onto its parent
// @Tags         accounts
// @Produce      json
// @Param        id   path      string  true  "Child Account ID"
// @Success      200  {object}  map[string]string
// @Router       /accounts/{id}/credit-transfer [post]
func (s *Server) TransferChildCredit(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := s.invoiceSvc.TransferChildCreditToParent(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "transferred"}})
}
