package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindDispute(ctx context.Context, db *gorm.DB, provider, providerDisputeID string) (*DisputeRecord, error)

	// InsertDispute stores a new dispute. It reports false when a record
	// for the same (provider, dispute) already exists, so redelivered
	// webhooks never fork the lifecycle.
	InsertDispute(ctx context.Context, db *gorm.DB, record *DisputeRecord) (bool, error)

	// Transition claims a one-way status move. It reports false when the
	// record is no longer in the expected state.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to, eventID string, chargebackID *snowflake.ID, at time.Time) (bool, error)
}
