package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
)

type recordBillingEventRequest struct {
	SubscriptionID  string `json:"subscription_id"`
	Type            string `json:"type"`
	EffectiveDate   string `json:"effective_date"`
	PlanCode        string `json:"plan_code"`
	BillingCycleDay int    `json:"bcd"`
}

// @Summary      Record Billing Event
// @Description  Append one event to a subscription's billing timeline
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        id       path  string                     true  "Account ID"
// @Param        request  body  recordBillingEventRequest  true  "Billing Event"
// @Success      200  {object}  entitlementdomain.BillingEvent
// @Router       /accounts/{id}/events [post]
func (s *Server) RecordBillingEvent(c *gin.Context) {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req recordBillingEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || subscriptionID == 0 {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription_id"))
		return
	}

	effectiveDate, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EffectiveDate))
	if err != nil {
		AbortWithError(c, newValidationError("effective_date", "invalid_effective_date", "effective_date must be RFC3339"))
		return
	}

	resp, err := s.entitlementSvc.RecordEvent(c.Request.Context(), entitlementdomain.BillingEvent{
		AccountID:       accountID,
		SubscriptionID:  subscriptionID,
		Type:            entitlementdomain.BillingEventType(strings.ToUpper(strings.TrimSpace(req.Type))),
		EffectiveDate:   effectiveDate.UTC(),
		PlanCode:        strings.TrimSpace(req.PlanCode),
		BillingCycleDay: req.BillingCycleDay,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      List Billing Events
// @Description  List the account's billing events in timeline order
// @Tags         events
// @Produce      json
// @Param        id   path      string  true  "Account ID"
// @Success      200  {object}  []entitlementdomain.BillingEvent
// @Router       /accounts/{id}/events [get]
func (s *Server) ListBillingEvents(c *gin.Context) {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	resp, err := s.entitlementSvc.ListEvents(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
