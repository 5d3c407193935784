package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/payment/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository { return repositoryImpl{} }

func (repositoryImpl) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (repositoryImpl) FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).First(&payment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repositoryImpl) FindPaymentByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		First(&payment, "invoice_id = ?", invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (repositoryImpl) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.PaymentTransaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (repositoryImpl) FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentTransaction, error) {
	var txn domain.PaymentTransaction
	err := db.WithContext(ctx).First(&txn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (repositoryImpl) ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.PaymentTransaction, error) {
	var txns []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (repositoryImpl) ResolveTransactionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.TransactionStatus, processedCents int64, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, processed_cents = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, processedCents, at, id, from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (repositoryImpl) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.PaymentAttempt) error {
	return db.WithContext(ctx).Create(attempt).Error
}

func (repositoryImpl) FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	err := db.WithContext(ctx).First(&attempt, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (repositoryImpl) UpdateAttemptState(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.AttemptState, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET state = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		to, at, id, from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (repositoryImpl) LinkAttemptTransaction(ctx context.Context, db *gorm.DB, attemptID, transactionID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET transaction_id = ?, updated_at = ?
		 WHERE id = ?`,
		transactionID, at, attemptID,
	).Error
}

func (repositoryImpl) ClaimAttemptTransaction(ctx context.Context, db *gorm.DB, attemptID, transactionID snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET transaction_id = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND transaction_id IS NULL`,
		transactionID, at, attemptID, domain.AttemptStateInit,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (repositoryImpl) ListAttempts(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (repositoryImpl) InsertInvoicePayment(ctx context.Context, db *gorm.DB, link *domain.InvoicePayment) error {
	// The unique index on transaction_id makes settlement bookkeeping
	// idempotent under redelivered resolutions.
	result := db.WithContext(ctx).Exec(
		`INSERT INTO invoice_payments (id, invoice_id, payment_id, transaction_id, type, amount_cents, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		link.ID, link.InvoiceID, link.PaymentID, link.TransactionID, link.Type, link.AmountCents, link.Currency, link.CreatedAt,
	)
	return result.Error
}

func (repositoryImpl) ListUnresolvedTransactions(ctx context.Context, db *gorm.DB, pendingBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("status = ? OR (status = ? AND created_at < ?)",
			domain.TransactionStatusUnknown, domain.TransactionStatusPending, pendingBefore).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (repositoryImpl) ListOrphanedInitAttempts(ctx context.Context, db *gorm.DB, initBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var attempts []domain.PaymentAttempt
	err := db.WithContext(ctx).
		Where("state = ? AND transaction_id IS NULL AND created_at < ?",
			domain.AttemptStateInit, initBefore).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
