package observability

import (
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/observability/tracing"
)

const serviceName = "tally"

var Module = fx.Module("observability",
	fx.Provide(func(cfg config.Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.TracingEnabled,
			ServiceName:      serviceName,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.TracingEndpoint,
			ExporterProtocol: cfg.TracingProtocol,
			SamplingRatio:    cfg.TracingSamplingRatio,
		}
	}),
	fx.Provide(tracing.NewProvider),
	fx.Provide(func(cfg config.Config) (*metrics.HTTPMetrics, error) {
		return metrics.NewHTTPMetrics(metrics.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
		}, otel.GetMeterProvider())
	}),
	fx.Provide(func(cfg config.Config) *metrics.BillingMetrics {
		return metrics.BillingWithConfig(metrics.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
		})
	}),
	// Force the tracer provider to initialize even though nothing injects
	// it directly; services reach it through the otel globals.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
