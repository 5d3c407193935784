package processor

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/smallbiznis/tally/internal/payment/domain"
)

// Sandbox is an in-process gateway that settles every submission
// immediately. It backs local development and any environment without a
// real processor; Query replays the recorded outcome so the janitor
// behaves the same as against a live gateway.
type Sandbox struct {
	mu      sync.Mutex
	seq     int
	results map[string]domain.ProcessorResult
}

func NewSandbox() *Sandbox {
	return &Sandbox{results: make(map[string]domain.ProcessorResult)}
}

func (s *Sandbox) Submit(ctx context.Context, req domain.SubmitRequest) (domain.ProcessorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	result := domain.ProcessorResult{
		Status:              domain.TransactionStatusSuccess,
		ProcessedCents:      req.AmountCents,
		ProcessedCurrency:   req.Currency,
		PluginTransactionID: fmt.Sprintf("sandbox-%d", s.seq),
	}
	s.results[result.PluginTransactionID] = result
	return result, nil
}

func (s *Sandbox) Refund(ctx context.Context, pluginTransactionID string, amountCents int64, currency string) (domain.ProcessorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[pluginTransactionID]; !ok {
		return domain.ProcessorResult{}, domain.ErrProcessorUnavailable
	}
	s.seq++
	result := domain.ProcessorResult{
		Status:              domain.TransactionStatusSuccess,
		ProcessedCents:      amountCents,
		ProcessedCurrency:   currency,
		PluginTransactionID: fmt.Sprintf("sandbox-%d", s.seq),
	}
	s.results[result.PluginTransactionID] = result
	return result, nil
}

func (s *Sandbox) Query(ctx context.Context, pluginTransactionID string) (domain.ProcessorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[pluginTransactionID]
	if !ok {
		// Unrecorded references settle as failures: the money never moved.
		return domain.ProcessorResult{Status: domain.TransactionStatusFailed}, nil
	}
	return result, nil
}
