package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Account is a billable party. A child account may delegate payment of its
// invoices to its parent, in which case child items consolidate onto a
// parent invoice instead of triggering their own payment.
type Account struct {
	ID               snowflake.ID  `gorm:"primaryKey"`
	ExternalKey      string        `gorm:"type:text;not null;uniqueIndex"`
	Name             string        `gorm:"type:text;not null"`
	Currency         string        `gorm:"type:text;not null"`
	ParentID         *snowflake.ID `gorm:"index"`
	PaymentDelegated bool          `gorm:"not null;default:false"`
	Parked           bool          `gorm:"not null;default:false"`
	CreatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// IsDelegatedChild reports whether invoices of this account consolidate
// onto a parent invoice.
func (a Account) IsDelegatedChild() bool {
	return a.ParentID != nil && *a.ParentID != 0 && a.PaymentDelegated
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByExternalKey(ctx context.Context, db *gorm.DB, key string) (*Account, error)
	ListChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]Account, error)

	// SetParked administratively parks or unparks an account. Parked
	// accounts refuse invoicing passes until manually resolved.
	SetParked(ctx context.Context, db *gorm.DB, id snowflake.ID, parked bool, at time.Time) error
}

var (
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrAccountNotFound = errors.New("account_not_found")
	ErrDuplicateKey    = errors.New("duplicate_external_key")
)
