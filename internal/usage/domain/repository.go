package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertRecord appends a record; a duplicate idempotency key is a
	// silent no-op and reports inserted=false.
	InsertRecord(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)

	// TotalForPeriod sums raw record quantities over [start, end).
	TotalForPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, meterCode string, start, end time.Time) (int64, error)

	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]UsageRecord, error)

	// LockUnsnapshotted claims a batch of records not yet rolled up.
	LockUnsnapshotted(ctx context.Context, db *gorm.DB, limit int) ([]UsageRecord, error)
	MarkSnapshotted(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error

	// AddToRollup folds a quantity into the (subscription, meter, day)
	// aggregate, creating the row when absent.
	AddToRollup(ctx context.Context, db *gorm.DB, rollup *UsageRollup) error
	ListRollups(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) ([]UsageRollup, error)
}
