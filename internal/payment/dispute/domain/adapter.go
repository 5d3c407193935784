package domain

import "context"

// DisputeAdapter normalizes one provider's webhook payload into a
// DisputeEvent. Adapters validate shape only; the dispute service owns
// the lifecycle and the funds movement.
type DisputeAdapter interface {
	Provider() string
	ParseDispute(ctx context.Context, payload []byte) (*DisputeEvent, error)
}

// Service consumes provider dispute webhooks. Handling is idempotent
// under webhook redelivery.
type Service interface {
	HandleEvent(ctx context.Context, provider string, payload []byte) (*DisputeRecord, error)
	GetDispute(ctx context.Context, provider, providerDisputeID string) (*DisputeRecord, error)
}
