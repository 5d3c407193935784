package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

type recordUsageRequest struct {
	SubscriptionID string `json:"subscription_id"`
	MeterCode      string `json:"meter_code"`
	Quantity       int64  `json:"quantity"`
	RecordedAt     string `json:"recorded_at"`
	IdempotencyKey string `json:"idempotency_key"`
}

// @Summary      Record Usage
// @Description  Ingest one metered usage record; duplicate idempotency keys are dropped
// @Tags         usage
// @Accept       json
// @Produce      json
// @Param        id       path  string              true  "Account ID"
// @Param        request  body  recordUsageRequest  true  "Usage Record"
// @Success      200  {object}  usagedomain.UsageRecord
// @Router       /accounts/{id}/usage [post]
func (s *Server) RecordUsage(c *gin.Context) {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || subscriptionID == 0 {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription_id"))
		return
	}

	recordedAt := time.Now().UTC()
	if strings.TrimSpace(req.RecordedAt) != "" {
		recordedAt, err = time.Parse(time.RFC3339, strings.TrimSpace(req.RecordedAt))
		if err != nil {
			AbortWithError(c, newValidationError("recorded_at", "invalid_recorded_at", "recorded_at must be RFC3339"))
			return
		}
	}

	resp, err := s.usageSvc.RecordUsage(c.Request.Context(), usagedomain.UsageRecord{
		AccountID:      accountID,
		SubscriptionID: subscriptionID,
		MeterCode:      strings.TrimSpace(req.MeterCode),
		Quantity:       req.Quantity,
		RecordedAt:     recordedAt,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// @Summary      List Usage
// @Description  List recent usage records for a subscription
// @Tags         usage
// @Produce      json
// @Param        id     path   string  true   "Subscription ID"
// @Param        limit  query  int     false  "Limit"
// @Success      200  {object}  []usagedomain.UsageRecord
// @Router       /subscriptions/{id}/usage [get]
func (s *Server) ListUsage(c *gin.Context) {
	subscriptionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if query.Limit <= 0 || query.Limit > 500 {
		query.Limit = 100
	}

	resp, err := s.usageSvc.ListUsage(c.Request.Context(), subscriptionID, query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
