package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository { return repositoryImpl{} }

func (repositoryImpl) FindDispute(ctx context.Context, db *gorm.DB, provider, providerDisputeID string) (*domain.DisputeRecord, error) {
	var record domain.DisputeRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND provider_dispute_id = ?", provider, providerDisputeID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (repositoryImpl) InsertDispute(ctx context.Context, db *gorm.DB, record *domain.DisputeRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		INSERT INTO payment_disputes
			(id, payment_id, provider, provider_dispute_id, last_event_id, chargeback_id,
			 amount_cents, currency, status, reason, received_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_dispute_id) DO NOTHING
	`, record.ID, record.PaymentID, record.Provider, record.ProviderDisputeID,
		record.LastEventID, record.ChargebackID, record.AmountCents, record.Currency,
		record.Status, record.Reason, record.ReceivedAt, record.UpdatedAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (repositoryImpl) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to, eventID string, chargebackID *snowflake.ID, at time.Time) (bool, error) {
	query := `UPDATE payment_disputes
		 SET status = ?, last_event_id = ?, updated_at = ?`
	args := []any{to, eventID, at}
	if chargebackID != nil {
		query += `, chargeback_id = ?`
		args = append(args, *chargebackID)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
