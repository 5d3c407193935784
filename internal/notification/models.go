package notification

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the delivery state of a scheduled notification.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Tags for the scheduled actions the billing core relies on.
const (
	TagPaymentRetry    = "payment.retry"
	TagParentCommit    = "invoice.parent_commit"
	TagInvoiceRun      = "invoice.target_date"
	TagCreditRebalance = "invoice.credit_rebalance"
)

// Notification is one durable, at-least-once scheduled delivery. The
// dedupe key deterministically rejects replays of the same schedule call.
type Notification struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	AccountID     snowflake.ID      `gorm:"not null;index"`
	Tag           string            `gorm:"type:text;not null;index"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	EffectiveDate time.Time         `gorm:"not null;index"`
	DedupeKey     string            `gorm:"type:text;not null;uniqueIndex"`
	Status        Status            `gorm:"type:text;not null;default:'PENDING'"`
	Attempts      int               `gorm:"not null;default:0"`
	LastError     *string           `gorm:"type:text"`
	DeliveredAt   *time.Time        `gorm:"column:delivered_at"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Handler consumes a due notification. Handlers serialize their own
// account-level work and must be idempotent under redelivery.
type Handler func(ctx context.Context, n Notification) error

var (
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidTag            = errors.New("invalid_tag")
	ErrInvalidEffectiveDate  = errors.New("invalid_effective_date")
	ErrDuplicateNotification = errors.New("duplicate_notification")
	ErrUnknownTag            = errors.New("unknown_tag")
)
