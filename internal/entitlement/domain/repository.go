package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *BillingEvent) error
	ListEventsByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]BillingEvent, error)
	ListEventsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]BillingEvent, error)
}
