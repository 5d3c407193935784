package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// GenerateRequest asks for an invoicing pass over one account.
type GenerateRequest struct {
	AccountID  snowflake.ID
	TargetDate time.Time
	DryRun     bool
}

// Service is the invoice aggregator: generation, repair, commitment,
// adjustments and credit transfer.
type Service interface {
	// GenerateInvoice recomputes the account's timeline as of the target
	// date and appends repair plus new items. A pass that resolves to no
	// change returns ErrNothingToDo.
	GenerateInvoice(ctx context.Context, req GenerateRequest) ([]Invoice, error)

	CommitInvoice(ctx context.Context, invoiceID snowflake.ID) error

	// InsertItemAdjustment appends an ITEM_ADJ against an item. A nil
	// amount adjusts the full remaining amount.
	InsertItemAdjustment(ctx context.Context, invoiceID, itemID snowflake.ID, amountCents *int64) (*InvoiceItem, error)

	// TransferChildCreditToParent moves a child account's credit reserve
	// onto its parent account.
	TransferChildCreditToParent(ctx context.Context, childAccountID snowflake.ID) error

	// RebalanceAccountCredit re-runs the credit rebalance for the account,
	// restoring every invoice balance to max(charged - paid - credit, 0).
	// Settled payments change paid amounts after the fact, so this runs
	// whenever a payment transition lands.
	RebalanceAccountCredit(ctx context.Context, accountID snowflake.ID) error

	AccountBalanceCents(ctx context.Context, accountID snowflake.ID) (int64, error)
	AccountCBACents(ctx context.Context, accountID snowflake.ID) (int64, error)
	GetInvoice(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
}

var (
	// ErrNothingToDo is the expected outcome of a pass with no net new
	// items. It is a sentinel, not a failure.
	ErrNothingToDo = errors.New("nothing_to_do")

	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidTargetDate     = errors.New("invalid_target_date")
	ErrAccountParked         = errors.New("account_parked")
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrItemNotFound          = errors.New("item_not_found")
	ErrInvoiceNotDraft       = errors.New("invoice_not_draft")
	ErrInvoiceNotCommitted   = errors.New("invoice_not_committed")
	ErrItemNotAdjustable     = errors.New("item_not_adjustable")
	ErrAdjustmentExceedsItem = errors.New("adjustment_exceeds_item")
	ErrTooManyRepairs        = errors.New("too_many_repairs")
	ErrCurrencyMismatch      = errors.New("currency_mismatch")
	ErrNoCreditToTransfer    = errors.New("no_credit_to_transfer")
	ErrNotChildAccount       = errors.New("not_child_account")
)
