package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	AccountID  snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// Service records audit entries and drives administrative parking.
type Service interface {
	Record(ctx context.Context, accountID *snowflake.ID, actor ActorType, action, targetType string, targetID *string, metadata map[string]any) error

	// ParkAccount flags an account for manual resolution. Parked accounts
	// refuse further invoicing passes.
	ParkAccount(ctx context.Context, accountID snowflake.ID, reason string) error
	UnparkAccount(ctx context.Context, accountID snowflake.ID) error
}

var (
	ErrInvalidAction  = errors.New("invalid_action")
	ErrInvalidTarget  = errors.New("invalid_target")
	ErrInvalidAccount = errors.New("invalid_account")
)
