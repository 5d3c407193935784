// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord is one unit batch of metered activity. Records are
// append-only: a duplicate idempotency key is silently dropped, and
// billed records are never rewritten.
type UsageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	MeterCode      string            `gorm:"type:text;not null;index"`
	Quantity       int64             `gorm:"not null"`
	RecordedAt     time.Time         `gorm:"not null;index"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	SnapshotAt     *time.Time        `gorm:"column:snapshot_at"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// UsageRollup is the per-day aggregate the snapshot worker maintains for
// reporting. Raw records stay the source of truth for billing.
type UsageRollup struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_rollup,priority:1"`
	MeterCode      string       `gorm:"type:text;not null;uniqueIndex:ux_usage_rollup,priority:2"`
	Day            time.Time    `gorm:"not null;uniqueIndex:ux_usage_rollup,priority:3"`
	Quantity       int64        `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRollup) TableName() string { return "usage_rollups" }

// UsageCharge is one priced meter total for a closed service period.
type UsageCharge struct {
	MeterCode   string
	Quantity    int64
	AmountCents int64
	Currency    string
}

var (
	ErrInvalidRecord  = errors.New("invalid_usage_record")
	ErrUnknownMeter   = errors.New("unknown_meter")
	ErrAccountUnknown = errors.New("account_not_found")
)

// Validate checks the structural rules for one record.
func (r UsageRecord) Validate() error {
	if r.AccountID == 0 || r.SubscriptionID == 0 {
		return ErrInvalidRecord
	}
	if strings.TrimSpace(r.MeterCode) == "" {
		return ErrInvalidRecord
	}
	if r.Quantity <= 0 {
		return ErrInvalidRecord
	}
	if r.RecordedAt.IsZero() {
		return ErrInvalidRecord
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrInvalidRecord
	}
	return nil
}
