package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service drives payment attempts from submission through success,
// failure, scheduled retry, chargeback and janitor self-correction.
type Service interface {
	// TriggerPayment submits a purchase for the invoice's open balance.
	TriggerPayment(ctx context.Context, invoiceID snowflake.ID) (*Payment, error)

	// NotifyPendingTransactionOfStateChanged resolves a PENDING
	// transaction from an out-of-band processor notification. The
	// resolution is terminal and never enters the automatic retry path.
	NotifyPendingTransactionOfStateChanged(ctx context.Context, transactionID snowflake.ID, success bool) error

	// FixTransactionState is the privileged administrative override. It
	// appends a new attempt and an audit entry instead of mutating
	// history, and schedules a retry only when the capability flag asks
	// for one.
	FixTransactionState(ctx context.Context, paymentID, transactionID snowflake.ID, newStatus TransactionStatus, retry bool) error

	// ProcessRetry executes one scheduled retry attempt.
	ProcessRetry(ctx context.Context, paymentID snowflake.ID, retryNumber int) error

	// ResolveStaleTransaction re-queries the processor for a transaction
	// stuck in PENDING or UNKNOWN and applies the confirmed outcome. It
	// reports whether a resolution was applied.
	ResolveStaleTransaction(ctx context.Context, transactionID snowflake.ID) (bool, error)

	// AdoptOrphanedAttempt materializes the UNKNOWN transaction an INIT
	// attempt is missing when the process died between submission and
	// result bookkeeping. It returns the transaction to resolve, or zero
	// when the attempt is not orphaned.
	AdoptOrphanedAttempt(ctx context.Context, attemptID snowflake.ID) (snowflake.ID, error)

	// Chargeback reverses a prior successful purchase's processed amount
	// with a linked transaction; ChargebackReversal re-applies it.
	Chargeback(ctx context.Context, paymentID snowflake.ID, amountCents int64) (*PaymentTransaction, error)
	ChargebackReversal(ctx context.Context, paymentID, chargebackID snowflake.ID) (*PaymentTransaction, error)

	GetPayment(ctx context.Context, paymentID snowflake.ID) (*Payment, error)
}

var (
	ErrPaymentNotFound        = errors.New("payment_not_found")
	ErrAttemptNotFound        = errors.New("attempt_not_found")
	ErrTransactionNotFound    = errors.New("transaction_not_found")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrTransactionNotPending  = errors.New("transaction_not_pending")
	ErrAlreadyResolved        = errors.New("already_resolved")
	ErrMissingPaymentMethod   = errors.New("missing_payment_method")
	ErrNothingToPay           = errors.New("nothing_to_pay")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrNoChargeableSuccess    = errors.New("no_chargeable_success")
	ErrChargebackNotFound     = errors.New("chargeback_not_found")
	ErrRetryNotDue            = errors.New("retry_not_due")
	ErrPaymentDelegated       = errors.New("payment_delegated")
	ErrPaymentInFlight        = errors.New("payment_in_flight")
)
