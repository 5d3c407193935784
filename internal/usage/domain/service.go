package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service ingests metered usage and prices closed periods in arrears.
type Service interface {
	RecordUsage(ctx context.Context, record UsageRecord) (*UsageRecord, error)

	ListUsage(ctx context.Context, subscriptionID snowflake.ID, limit int) ([]UsageRecord, error)

	// ChargesForPeriod prices the subscription's usage over [start, end)
	// against the plan's meter prices. Meters with no recorded usage
	// produce no charge.
	ChargesForPeriod(ctx context.Context, subscriptionID snowflake.ID, planCode string, start, end time.Time) ([]UsageCharge, error)
}
