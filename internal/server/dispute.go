package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// @Summary      Dispute Webhook
// @Description  Apply a provider dispute event to the payment ledger
// @Tags         disputes
// @Accept       json
// @Produce      json
// @Param        provider  path  string  true  "Provider"
// @Success      200  {object}  disputedomain.DisputeRecord
// @Router       /webhooks/disputes/{provider} [post]
func (s *Server) DisputeWebhook(c *gin.Context) {
	if s.disputeSvc == nil {
		AbortWithError(c, notFoundError())
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.disputeSvc.HandleEvent(c.Request.Context(), c.Param("provider"), payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

// @Summary      Get Dispute
// @Description  Get the lifecycle state of a provider dispute
// @Tags         disputes
// @Produce      json
// @Param        provider    path  string  true  "Provider"
// @Param        dispute_id  path  string  true  "Provider Dispute ID"
// @Success      200  {object}  disputedomain.DisputeRecord
// @Router       /disputes/{provider}/{dispute_id} [get]
func (s *Server) GetDispute(c *gin.Context) {
	if s.disputeSvc == nil {
		AbortWithError(c, notFoundError())
		return
	}

	record, err := s.disputeSvc.GetDispute(c.Request.Context(), c.Param("provider"), c.Param("dispute_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}
