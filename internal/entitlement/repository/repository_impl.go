package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/entitlement/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository { return repositoryImpl{} }

func (repositoryImpl) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.BillingEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (repositoryImpl) ListEventsByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.BillingEvent, error) {
	var events []domain.BillingEvent
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("effective_date ASC, created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (repositoryImpl) ListEventsBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.BillingEvent, error) {
	var events []domain.BillingEvent
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("effective_date ASC, created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
