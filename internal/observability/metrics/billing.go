package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics counts the billing engine's background outcomes. The
// HTTP surface is covered separately by HTTPMetrics.
type BillingMetrics struct {
	invoicesGenerated      prometheus.Counter
	notificationsDelivered *prometheus.CounterVec
	janitorResolutions     *prometheus.CounterVec
	usageRollupRecords     *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the process-wide billing metrics, registering them on
// first use.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	invoicesGenerated := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "tally_invoices_generated_total",
		Help:        "Total invoices persisted by generation passes.",
		ConstLabels: constLabels,
	})

	notificationsDelivered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_notifications_delivered_total",
			Help:        "Total scheduled notifications processed by the dispatcher.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // delivered | failed
	)

	janitorResolutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_payment_janitor_resolutions_total",
			Help:        "Total stale payment transactions the janitor examined.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"}, // resolved | ambiguous | failed
	)

	usageRollupRecords := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_usage_rollup_records_total",
			Help:        "Total raw usage records folded into daily rollups.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // success | failed
	)

	registerer.MustRegister(
		invoicesGenerated,
		notificationsDelivered,
		janitorResolutions,
		usageRollupRecords,
	)

	return &BillingMetrics{
		invoicesGenerated:      invoicesGenerated,
		notificationsDelivered: notificationsDelivered,
		janitorResolutions:     janitorResolutions,
		usageRollupRecords:     usageRollupRecords,
	}
}

func (m *BillingMetrics) IncInvoicesGenerated() {
	if m == nil {
		return
	}
	m.invoicesGenerated.Inc()
}

func (m *BillingMetrics) IncNotificationDelivered(result string) {
	if m == nil {
		return
	}
	m.notificationsDelivered.WithLabelValues(result).Inc()
}

func (m *BillingMetrics) IncJanitorResolution(outcome string) {
	if m == nil {
		return
	}
	m.janitorResolutions.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) AddUsageRollupRecords(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.usageRollupRecords.WithLabelValues(result).Add(float64(count))
}
