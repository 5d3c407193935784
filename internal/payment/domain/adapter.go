package domain

import (
	"context"
	"errors"
)

// SubmitRequest asks the processor to move money.
type SubmitRequest struct {
	AccountKey  string
	AmountCents int64
	Currency    string
	Reference   string
}

// ProcessorResult is the processor's answer. Status UNKNOWN models a
// timeout or ambiguous response; ProcessedCents may be less than the
// requested amount (partial payment).
type ProcessorResult struct {
	Status              TransactionStatus
	ProcessedCents      int64
	ProcessedCurrency   string
	PluginTransactionID string
}

// Processor is the payment gateway plugin boundary.
type Processor interface {
	Submit(ctx context.Context, req SubmitRequest) (ProcessorResult, error)
	Refund(ctx context.Context, pluginTransactionID string, amountCents int64, currency string) (ProcessorResult, error)

	// Query fetches ground truth for an earlier submission; the janitor
	// uses it to resolve UNKNOWN outcomes.
	Query(ctx context.Context, pluginTransactionID string) (ProcessorResult, error)
}

var ErrProcessorUnavailable = errors.New("processor_unavailable")
