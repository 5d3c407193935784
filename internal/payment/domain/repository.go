package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindPaymentByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Payment, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *PaymentTransaction) error
	FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentTransaction, error)

	// ResolveTransactionStatus moves a transaction out of PENDING or
	// UNKNOWN. The update is conditional on the current status so each
	// resolution applies exactly once.
	ResolveTransactionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to TransactionStatus, processedCents int64, at time.Time) (bool, error)

	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentAttempt, error)
	UpdateAttemptState(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to AttemptState, at time.Time) (bool, error)
	LinkAttemptTransaction(ctx context.Context, db *gorm.DB, attemptID, transactionID snowflake.ID, at time.Time) error

	// ClaimAttemptTransaction links a transaction to an INIT attempt only
	// if no transaction was recorded for it yet, reporting whether the
	// claim won. A lost claim means the original submission's result
	// landed after all.
	ClaimAttemptTransaction(ctx context.Context, db *gorm.DB, attemptID, transactionID snowflake.ID, at time.Time) (bool, error)
	ListAttempts(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentAttempt, error)

	InsertInvoicePayment(ctx context.Context, db *gorm.DB, link *InvoicePayment) error

	// ListUnresolvedTransactions feeds the janitor: UNKNOWN transactions
	// plus PENDING ones older than the cutoff.
	ListUnresolvedTransactions(ctx context.Context, db *gorm.DB, pendingBefore time.Time, limit int) ([]PaymentTransaction, error)

	// ListOrphanedInitAttempts feeds the janitor: INIT attempts older than
	// the cutoff whose submission result was never recorded, so no
	// transaction row exists to sweep.
	ListOrphanedInitAttempts(ctx context.Context, db *gorm.DB, initBefore time.Time, limit int) ([]PaymentAttempt, error)
}
