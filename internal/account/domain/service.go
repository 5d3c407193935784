package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// CreateRequest describes a new billable party.
type CreateRequest struct {
	ExternalKey      string
	Name             string
	Currency         string
	ParentID         *snowflake.ID
	PaymentDelegated bool
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateRequest) (*Account, error)
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	GetAccountByExternalKey(ctx context.Context, key string) (*Account, error)
}
