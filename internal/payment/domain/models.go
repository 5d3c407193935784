package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType classifies the movements inside a payment aggregate.
type TransactionType string

const (
	TransactionTypePurchase           TransactionType = "PURCHASE"
	TransactionTypeRefund             TransactionType = "REFUND"
	TransactionTypeChargeback         TransactionType = "CHARGEBACK"
	TransactionTypeChargebackReversal TransactionType = "CHARGEBACK_REVERSAL"
)

// TransactionStatus is the processor-confirmed outcome of one transaction.
// PENDING resolves through an out-of-band notification; UNKNOWN resolves
// only through the janitor re-querying the processor.
type TransactionStatus string

const (
	TransactionStatusSuccess TransactionStatus = "SUCCESS"
	TransactionStatusFailed  TransactionStatus = "PAYMENT_FAILURE"
	TransactionStatusPending TransactionStatus = "PENDING"
	TransactionStatusUnknown TransactionStatus = "UNKNOWN"
)

// AttemptState tracks the retry lifecycle of one payment attempt.
type AttemptState string

const (
	AttemptStateInit      AttemptState = "INIT"
	AttemptStateSuccess   AttemptState = "SUCCESS"
	AttemptStateRetried   AttemptState = "RETRIED"
	AttemptStateScheduled AttemptState = "SCHEDULED"
	AttemptStateAborted   AttemptState = "ABORTED"
)

// Payment is the aggregate holding every transaction and attempt made to
// settle one invoice.
type Payment struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	Currency  string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Transactions []PaymentTransaction `gorm:"-"`
	Attempts     []PaymentAttempt     `gorm:"-"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// PaymentTransaction is one immutable processor interaction. Status is the
// only mutable column, and only along the allowed resolution paths; a
// chargeback or reversal never alters the transaction it links to.
type PaymentTransaction struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	PaymentID           snowflake.ID      `gorm:"not null;index"`
	Type                TransactionType   `gorm:"type:text;not null"`
	Status              TransactionStatus `gorm:"type:text;not null"`
	RequestedCents      int64             `gorm:"not null"`
	ProcessedCents      int64             `gorm:"not null;default:0"`
	ProcessedCurrency   string            `gorm:"type:text"`
	PluginTransactionID string            `gorm:"type:text;index"`
	LinkedTransactionID *snowflake.ID     `gorm:"index"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentTransaction) TableName() string { return "payment_transactions" }

// PaymentAttempt is the append-only retry history. Administrative fixes
// append new attempts; history is never rewritten.
type PaymentAttempt struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	PaymentID     snowflake.ID  `gorm:"not null;index"`
	TransactionID *snowflake.ID `gorm:"index"`
	State         AttemptState  `gorm:"type:text;not null"`
	RetryNumber   int           `gorm:"not null;default:0"`
	ScheduledAt   *time.Time    `gorm:"column:scheduled_at"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// InvoicePayment links an invoice to a settled amount. Rows are written
// only on confirmed SUCCESS or REFUND class transitions, never on PENDING
// or UNKNOWN, and always carry processor-confirmed processed amounts.
type InvoicePayment struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	InvoiceID     snowflake.ID    `gorm:"not null;index"`
	PaymentID     snowflake.ID    `gorm:"not null;index"`
	TransactionID snowflake.ID    `gorm:"not null;uniqueIndex"`
	Type          TransactionType `gorm:"type:text;not null"`
	AmountCents   int64           `gorm:"not null"`
	Currency      string          `gorm:"type:text;not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoicePayment) TableName() string { return "invoice_payments" }

// ProcessedCents sums the settled amounts of a payment's transactions:
// purchases positive, refunds and chargebacks negative, reversals
// positive again, ordered by creation time.
func ProcessedCents(transactions []PaymentTransaction) int64 {
	var total int64
	for _, txn := range transactions {
		if txn.Status != TransactionStatusSuccess {
			continue
		}
		switch txn.Type {
		case TransactionTypePurchase, TransactionTypeChargebackReversal:
			total += txn.ProcessedCents
		case TransactionTypeRefund, TransactionTypeChargeback:
			total -= txn.ProcessedCents
		}
	}
	return total
}
