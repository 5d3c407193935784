package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/account/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository { return repositoryImpl{} }

func (repositoryImpl) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	err := db.WithContext(ctx).Create(account).Error
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return domain.ErrDuplicateKey
	}
	return err
}

func (repositoryImpl) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (repositoryImpl) FindByExternalKey(ctx context.Context, db *gorm.DB, key string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).First(&account, "external_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (repositoryImpl) ListChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID) ([]domain.Account, error) {
	var accounts []domain.Account
	err := db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (repositoryImpl) SetParked(ctx context.Context, db *gorm.DB, id snowflake.ID, parked bool, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET parked = ?, updated_at = ? WHERE id = ?`,
		parked, at, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
