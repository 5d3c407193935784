package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Event types a provider adapter may emit. Funds movement happens only on
// withdrawal and reinstatement; created and closed are informational.
const (
	EventDisputeCreated         = "dispute.created"
	EventDisputeFundsWithdrawn  = "dispute.funds_withdrawn"
	EventDisputeFundsReinstated = "dispute.funds_reinstated"
	EventDisputeClosed          = "dispute.closed"
)

// Dispute lifecycle states. Transitions are one-way claims: a replayed
// webhook finds the state already advanced and does nothing.
const (
	DisputeStatusOpen       = "OPEN"
	DisputeStatusWithdrawn  = "WITHDRAWN"
	DisputeStatusReinstated = "REINSTATED"
	DisputeStatusClosed     = "CLOSED"
)

// DisputeEvent is one provider webhook normalized by an adapter.
type DisputeEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderDisputeID string
	Type              string
	PaymentID         snowflake.ID
	AmountCents       int64
	Currency          string
	Reason            string
	OccurredAt        time.Time
}

// DisputeRecord tracks one provider dispute against a payment. The
// chargeback transaction it produced is kept so a reinstatement can
// reverse exactly that transaction.
type DisputeRecord struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	PaymentID         snowflake.ID  `gorm:"not null;index"`
	Provider          string        `gorm:"type:text;not null;uniqueIndex:ux_dispute_provider,priority:1"`
	ProviderDisputeID string        `gorm:"type:text;not null;uniqueIndex:ux_dispute_provider,priority:2"`
	LastEventID       string        `gorm:"type:text;not null"`
	ChargebackID      *snowflake.ID `gorm:"index"`
	AmountCents       int64         `gorm:"not null"`
	Currency          string        `gorm:"type:text;not null"`
	Status            string        `gorm:"type:text;not null"`
	Reason            string        `gorm:"type:text"`
	ReceivedAt        time.Time     `gorm:"not null"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DisputeRecord) TableName() string { return "payment_disputes" }

var (
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrMalformedEvent   = errors.New("malformed_event")
	ErrUnknownEventType = errors.New("unknown_event_type")
	ErrDisputeNotFound  = errors.New("dispute_not_found")
)
