package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/smallbiznis/tally/internal/invoice/domain"
)

type repositoryImpl struct{}

func Provide() domain.Repository { return repositoryImpl{} }

func (repositoryImpl) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (repositoryImpl) InsertItems(ctx context.Context, db *gorm.DB, items []domain.InvoiceItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (repositoryImpl) FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).First(&invoice, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (repositoryImpl) FindInvoiceForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&invoice, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (repositoryImpl) ListInvoicesByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (repositoryImpl) ListItemsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (repositoryImpl) ListItemsByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (repositoryImpl) FindItem(ctx context.Context, db *gorm.DB, itemID snowflake.ID) (*domain.InvoiceItem, error) {
	var item domain.InvoiceItem
	err := db.WithContext(ctx).First(&item, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (repositoryImpl) MarkCommitted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, committed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusCommitted, at, at, id, domain.InvoiceStatusDraft,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (repositoryImpl) UpdateParentSummaryAmount(ctx context.Context, db *gorm.DB, itemID snowflake.ID, amountCents int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_items
		 SET amount_cents = ?
		 WHERE id = ? AND type = ?`,
		amountCents, itemID, domain.ItemTypeParentSummary,
	).Error
}

func (repositoryImpl) FindParentDraft(ctx context.Context, db *gorm.DB, parentAccountID snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Where("account_id = ? AND is_parent = ? AND status = ?",
			parentAccountID, true, domain.InvoiceStatusDraft).
		Order("created_at ASC, id ASC").
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (repositoryImpl) FindSummaryItemByChildItem(ctx context.Context, db *gorm.DB, childItemID snowflake.ID) (*domain.InvoiceItem, error) {
	var item domain.InvoiceItem
	err := db.WithContext(ctx).
		Where("child_item_id = ? AND type = ?", childItemID, domain.ItemTypeParentSummary).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// PaidCents folds the processor-confirmed transactions for the invoice:
// purchases and chargeback reversals add, refunds and chargebacks
// subtract. Only SUCCESS transactions count.
func (repositoryImpl) PaidCents(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var paid int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE
			WHEN t.type IN ('PURCHASE', 'CHARGEBACK_REVERSAL') THEN t.processed_cents
			ELSE -t.processed_cents
		 END), 0)
		 FROM payment_transactions t
		 JOIN payments p ON p.id = t.payment_id
		 WHERE p.invoice_id = ? AND t.status = 'SUCCESS'`,
		invoiceID,
	).Scan(&paid).Error
	if err != nil {
		return 0, err
	}
	return paid, nil
}
