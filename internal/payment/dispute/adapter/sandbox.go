package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	domain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
)

// Sandbox parses the in-process provider's dispute webhooks. The payload
// is plain JSON carrying our own payment identifier, which keeps local
// environments runnable without a real gateway.
type Sandbox struct{}

func NewSandbox() *Sandbox { return &Sandbox{} }

func (*Sandbox) Provider() string { return "sandbox" }

type sandboxPayload struct {
	EventID     string    `json:"event_id"`
	DisputeID   string    `json:"dispute_id"`
	Type        string    `json:"type"`
	PaymentID   string    `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (s *Sandbox) ParseDispute(ctx context.Context, payload []byte) (*domain.DisputeEvent, error) {
	var raw sandboxPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, domain.ErrMalformedEvent
	}
	if strings.TrimSpace(raw.EventID) == "" || strings.TrimSpace(raw.DisputeID) == "" {
		return nil, domain.ErrMalformedEvent
	}
	switch raw.Type {
	case domain.EventDisputeCreated, domain.EventDisputeFundsWithdrawn,
		domain.EventDisputeFundsReinstated, domain.EventDisputeClosed:
	default:
		return nil, domain.ErrUnknownEventType
	}
	paymentID, err := snowflake.ParseString(raw.PaymentID)
	if err != nil {
		return nil, domain.ErrMalformedEvent
	}
	occurredAt := raw.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return &domain.DisputeEvent{
		Provider:          s.Provider(),
		ProviderEventID:   raw.EventID,
		ProviderDisputeID: raw.DisputeID,
		Type:              raw.Type,
		PaymentID:         paymentID,
		AmountCents:       raw.AmountCents,
		Currency:          raw.Currency,
		Reason:            raw.Reason,
		OccurredAt:        occurredAt,
	}, nil
}
