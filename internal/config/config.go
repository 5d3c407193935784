package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries process-level settings for the billing core.
type Config struct {
	DatabaseDSN string

	// PaymentRetryDays is the day offsets between automatic payment retries.
	// The attempt is aborted once the list is exhausted.
	PaymentRetryDays []int

	// ParentCommitDelay delays the automatic commit of a parent invoice after
	// the first child item lands on it. Zero means commit at end of day.
	ParentCommitDelay time.Duration

	JanitorPollInterval time.Duration
	JanitorBatchSize    int
	JanitorPendingAge   time.Duration

	DispatcherPollInterval time.Duration
	DispatcherBatchSize    int

	// AutoCommitInvoices commits regular (non-parent) invoices at generation
	// time instead of leaving them in draft.
	AutoCommitInvoices bool

	HTTPAddr string

	Environment          string
	TracingEnabled       bool
	TracingEndpoint      string
	TracingProtocol      string
	TracingSamplingRatio float64
}

func Load() Config {
	return Config{
		DatabaseDSN:            getEnv("DATABASE_DSN", "file:tally.db?_fk=1"),
		PaymentRetryDays:       getEnvInts("PAYMENT_RETRY_DAYS", []int{8, 8, 8}),
		ParentCommitDelay:      getEnvDuration("PARENT_COMMIT_DELAY", 0),
		JanitorPollInterval:    getEnvDuration("JANITOR_POLL_INTERVAL", time.Minute),
		JanitorBatchSize:       getEnvInt("JANITOR_BATCH_SIZE", 50),
		JanitorPendingAge:      getEnvDuration("JANITOR_PENDING_AGE", time.Hour),
		DispatcherPollInterval: getEnvDuration("DISPATCHER_POLL_INTERVAL", 2*time.Second),
		DispatcherBatchSize:    getEnvInt("DISPATCHER_BATCH_SIZE", 50),
		AutoCommitInvoices:     getEnvBool("AUTO_COMMIT_INVOICES", true),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		Environment:            getEnv("ENVIRONMENT", "development"),
		TracingEnabled:         getEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingProtocol:        getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		TracingSamplingRatio:   getEnvFloat("TRACING_SAMPLING_RATIO", 0.1),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvInts(key string, fallback []int) []int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		parsed, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || parsed <= 0 {
			return fallback
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
