package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Service ingests billing events and exposes the replayed timeline.
type Service interface {
	// RecordEvent appends one event to the subscription's timeline. The
	// history is append-only; a backdated event is legal and simply
	// changes what the next invoicing pass replays.
	RecordEvent(ctx context.Context, event BillingEvent) (*BillingEvent, error)

	ListEvents(ctx context.Context, accountID snowflake.ID) ([]BillingEvent, error)
	SubscriptionSegments(ctx context.Context, subscriptionID snowflake.ID, until time.Time) ([]Segment, error)
}
