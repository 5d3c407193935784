package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
)

// Service mirrors delegated child activity onto the parent account's
// draft invoice. Both hooks run inside the child's invoicing transaction
// so the mirror commits atomically with the child-side change.
type Service interface {
	// OnChildItems mirrors freshly generated child invoice items as
	// PARENT_SUMMARY lines and arranges the parent commit timer.
	OnChildItems(ctx context.Context, tx *gorm.DB, child *accountdomain.Account, items []invoicedomain.InvoiceItem) error

	// OnChildAdjustment folds a child-side ITEM_ADJ into the parent:
	// while the parent invoice is a draft it mutates the mirrored
	// PARENT_SUMMARY amount; after commit it appends a mirrored ITEM_ADJ.
	OnChildAdjustment(ctx context.Context, tx *gorm.DB, child *accountdomain.Account, adjustment invoicedomain.InvoiceItem) error
}

var (
	ErrNotDelegated    = errors.New("not_delegated")
	ErrParentNotFound  = errors.New("parent_not_found")
	ErrSummaryNotFound = errors.New("summary_not_found")
)
