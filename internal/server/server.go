package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/render"
	obslogger "github.com/smallbiznis/tally/internal/observability/logger"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/observability/tracing"
	disputedomain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
	paymentdomain "github.com/smallbiznis/tally/internal/payment/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

// Params collects the services the HTTP surface exposes.
type Params struct {
	fx.In

	Log            *zap.Logger
	AccountSvc     accountdomain.Service
	EntitlementSvc entitlementdomain.Service
	InvoiceSvc     invoicedomain.Service
	PaymentSvc     paymentdomain.Service
	DisputeSvc     disputedomain.Service `optional:"true"`
	AuditSvc       auditdomain.Service   `optional:"true"`
	UsageSvc       usagedomain.Service
	Renderer       render.Renderer
	HTTPMetrics    *metrics.HTTPMetrics `optional:"true"`
}

// Server binds the billing services to their HTTP routes.
type Server struct {
	log            *zap.Logger
	accountSvc     accountdomain.Service
	entitlementSvc entitlementdomain.Service
	invoiceSvc     invoicedomain.Service
	paymentSvc     paymentdomain.Service
	disputeSvc     disputedomain.Service
	auditSvc       auditdomain.Service
	usageSvc       usagedomain.Service
	renderer       render.Renderer
	httpMetrics    *metrics.HTTPMetrics

	adminLimiter *rateLimiter
}

func NewServer(p Params) *Server {
	return &Server{
		log:            p.Log.Named("server"),
		accountSvc:     p.AccountSvc,
		entitlementSvc: p.EntitlementSvc,
		invoiceSvc:     p.InvoiceSvc,
		paymentSvc:     p.PaymentSvc,
		disputeSvc:     p.DisputeSvc,
		auditSvc:       p.AuditSvc,
		usageSvc:       p.UsageSvc,
		renderer:       p.Renderer,
		httpMetrics:    p.HTTPMetrics,
		adminLimiter:   newRateLimiter(10, time.Minute),
	}
}

// Router assembles the gin engine. Admin overrides sit behind a per-IP
// rate limit; everything else is unthrottled.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Logger:    s.log,
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(tracing.GinMiddleware("tally"))
	r.Use(metrics.GinMiddleware(s.httpMetrics))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", s.CreateAccount)
		v1.GET("/accounts/:id", s.GetAccount)
		v1.GET("/accounts/:id/balance", s.GetAccountBalance)
		v1.POST("/accounts/:id/events", s.RecordBillingEvent)
		v1.GET("/accounts/:id/events", s.ListBillingEvents)
		v1.POST("/accounts/:id/credit-transfer", s.TransferChildCredit)
		v1.POST("/accounts/:id/usage", s.RecordUsage)
		v1.GET("/subscriptions/:id/usage", s.ListUsage)

		v1.POST("/invoices/generate", s.GenerateInvoices)
		v1.GET("/invoices/:id", s.GetInvoice)
		v1.GET("/invoices/:id/html", s.GetInvoiceHTML)
		v1.POST("/invoices/:id/commit", s.CommitInvoice)
		v1.POST("/invoices/:id/adjustments", s.AdjustInvoiceItem)
		v1.POST("/invoices/:id/payments", s.TriggerInvoicePayment)

		v1.GET("/payments/:id", s.GetPayment)
		v1.POST("/payments/:id/chargebacks", s.Chargeback)
		v1.POST("/payments/:id/chargebacks/:chargeback_id/reverse", s.ChargebackReversal)
		v1.POST("/payments/notifications/:transaction_id", s.NotifyPendingTransaction)
		v1.POST("/payments/fix-state", s.adminThrottle, s.FixTransactionState)

		v1.POST("/webhooks/disputes/:provider", s.DisputeWebhook)
		v1.GET("/disputes/:provider/:dispute_id", s.GetDispute)
	}

	return r
}

func (s *Server) adminThrottle(c *gin.Context) {
	if !s.adminLimiter.Allow(c.ClientIP()) {
		AbortWithError(c, rateLimitedError())
		return
	}
	c.Next()
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError(name, "invalid_id", "invalid "+name))
		return 0, false
	}
	return id, true
}
