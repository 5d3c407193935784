package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertItems(ctx context.Context, db *gorm.DB, items []InvoiceItem) error
	FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindInvoiceForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListInvoicesByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Invoice, error)
	ListItemsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
	ListItemsByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]InvoiceItem, error)
	FindItem(ctx context.Context, db *gorm.DB, itemID snowflake.ID) (*InvoiceItem, error)

	// MarkCommitted flips DRAFT to COMMITTED. It reports false when the
	// invoice was already committed, so redelivered commit timers no-op.
	MarkCommitted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)

	// UpdateParentSummaryAmount mutates a PARENT_SUMMARY line. Only legal
	// while the owning parent invoice is still a draft.
	UpdateParentSummaryAmount(ctx context.Context, db *gorm.DB, itemID snowflake.ID, amountCents int64, at time.Time) error

	// FindParentDraft locates the open parent invoice for an account.
	FindParentDraft(ctx context.Context, db *gorm.DB, parentAccountID snowflake.ID) (*Invoice, error)

	// FindSummaryItemByChildItem locates the PARENT_SUMMARY line mirroring
	// a child item.
	FindSummaryItemByChildItem(ctx context.Context, db *gorm.DB, childItemID snowflake.ID) (*InvoiceItem, error)

	// PaidCents is the processor-confirmed settled amount for an invoice.
	PaidCents(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error)
}
