package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingEventType is the closed set of timeline transitions the
// entitlement engine emits. The segmenter switches over every member.
type BillingEventType string

const (
	BillingEventCreate    BillingEventType = "CREATE"
	BillingEventChange    BillingEventType = "CHANGE"
	BillingEventCancel    BillingEventType = "CANCEL"
	BillingEventPause     BillingEventType = "PAUSE"
	BillingEventResume    BillingEventType = "RESUME"
	BillingEventExpired   BillingEventType = "EXPIRED"
	BillingEventBCDChange BillingEventType = "BCD_CHANGE"
)

// BillingPeriod anchors how often a recurring phase bills.
type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "MONTHLY"
	BillingPeriodAnnual  BillingPeriod = "ANNUAL"
)

// BillingEvent is one ordered entry in a subscription's billing timeline.
// Events are append-only; amendments arrive as additional events with
// earlier effective dates, never as mutations.
type BillingEvent struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	AccountID       snowflake.ID     `gorm:"not null;index"`
	SubscriptionID  snowflake.ID     `gorm:"not null;index"`
	Type            BillingEventType `gorm:"type:text;not null"`
	EffectiveDate   time.Time        `gorm:"not null"`
	PlanCode        string           `gorm:"type:text"`
	BillingCycleDay int              `gorm:"column:bcd"`
	CreatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidEffectiveAt  = errors.New("invalid_effective_at")
	ErrMissingPlanCode     = errors.New("missing_plan_code")
	ErrEventOutOfOrder     = errors.New("event_out_of_order")
)

// Validate checks the structural rules for a single event.
func (e BillingEvent) Validate() error {
	if e.AccountID == 0 {
		return ErrInvalidAccount
	}
	if e.SubscriptionID == 0 {
		return ErrInvalidSubscription
	}
	if e.EffectiveDate.IsZero() {
		return ErrInvalidEffectiveAt
	}
	switch e.Type {
	case BillingEventCreate, BillingEventChange:
		if e.PlanCode == "" {
			return ErrMissingPlanCode
		}
	case BillingEventCancel, BillingEventPause, BillingEventResume, BillingEventExpired, BillingEventBCDChange:
	default:
		return ErrInvalidEventType
	}
	return nil
}
