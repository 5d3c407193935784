package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/usage/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository {
	return &repositoryImpl{}
}

func (repositoryImpl) InsertRecord(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		INSERT INTO usage_records
			(id, account_id, subscription_id, meter_code, quantity, recorded_at, idempotency_key, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, record.ID, record.AccountID, record.SubscriptionID, record.MeterCode,
		record.Quantity, record.RecordedAt, record.IdempotencyKey, record.Metadata, record.CreatedAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (repositoryImpl) TotalForPeriod(
	ctx context.Context,
	db *gorm.DB,
	subscriptionID snowflake.ID,
	meterCode string,
	start, end time.Time,
) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("subscription_id = ? AND meter_code = ? AND recorded_at >= ? AND recorded_at < ?",
			subscriptionID, meterCode, start, end).
		Scan(&total).Error
	return total, err
}

func (repositoryImpl) ListBySubscription(
	ctx context.Context,
	db *gorm.DB,
	subscriptionID snowflake.ID,
	limit int,
) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	q := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("recorded_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (repositoryImpl) LockUnsnapshotted(ctx context.Context, db *gorm.DB, limit int) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).
		Where("snapshot_at IS NULL").
		Order("recorded_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (repositoryImpl) MarkSnapshotted(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("id IN ?", ids).
		Update("snapshot_at", at).Error
}

func (repositoryImpl) AddToRollup(ctx context.Context, db *gorm.DB, rollup *domain.UsageRollup) error {
	return db.WithContext(ctx).Exec(`
		INSERT INTO usage_rollups (id, subscription_id, meter_code, day, quantity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, meter_code, day)
		DO UPDATE SET quantity = usage_rollups.quantity + excluded.quantity, updated_at = excluded.updated_at
	`, rollup.ID, rollup.SubscriptionID, rollup.MeterCode, rollup.Day, rollup.Quantity, rollup.UpdatedAt).Error
}

func (repositoryImpl) ListRollups(
	ctx context.Context,
	db *gorm.DB,
	subscriptionID snowflake.ID,
	start, end time.Time,
) ([]domain.UsageRollup, error) {
	var rollups []domain.UsageRollup
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND day >= ? AND day < ?", subscriptionID, start, end).
		Order("day ASC, meter_code ASC").
		Find(&rollups).Error
	if err != nil {
		return nil, err
	}
	return rollups, nil
}
