package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/clock"
	domain "github.com/smallbiznis/tally/internal/payment/dispute/domain"
	paymentdomain "github.com/smallbiznis/tally/internal/payment/domain"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	PaymentSvc paymentdomain.Service
	Adapters   []domain.DisputeAdapter `group:"dispute.adapters"`
}

// Service folds provider dispute webhooks into the payment ledger: a
// funds withdrawal becomes a chargeback transaction, a reinstatement
// reverses exactly that transaction. Status transitions are one-way
// claims, so redelivered webhooks settle to no-ops.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	paymentSvc paymentdomain.Service
	adapters   map[string]domain.DisputeAdapter
}

func NewService(p Params) domain.Service {
	adapters := make(map[string]domain.DisputeAdapter, len(p.Adapters))
	for _, adapter := range p.Adapters {
		adapters[adapter.Provider()] = adapter
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.dispute"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		paymentSvc: p.PaymentSvc,
		adapters:   adapters,
	}
}

func (s *Service) HandleEvent(ctx context.Context, provider string, payload []byte) (*domain.DisputeRecord, error) {
	adapter, ok := s.adapters[provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	event, err := adapter.ParseDispute(ctx, payload)
	if err != nil {
		return nil, err
	}

	switch event.Type {
	case domain.EventDisputeCreated:
		return s.ensureRecord(ctx, event)
	case domain.EventDisputeFundsWithdrawn:
		return s.handleWithdrawal(ctx, event)
	case domain.EventDisputeFundsReinstated:
		return s.handleReinstatement(ctx, event)
	case domain.EventDisputeClosed:
		return s.handleClose(ctx, event)
	default:
		return nil, domain.ErrUnknownEventType
	}
}

func (s *Service) GetDispute(ctx context.Context, provider, providerDisputeID string) (*domain.DisputeRecord, error) {
	record, err := s.repo.FindDispute(ctx, s.db, provider, providerDisputeID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrDisputeNotFound
	}
	return record, nil
}

// ensureRecord opens the dispute if this is the first event for it. A
// lost "created" webhook is tolerated: the withdrawal opens the record.
func (s *Service) ensureRecord(ctx context.Context, event *domain.DisputeEvent) (*domain.DisputeRecord, error) {
	now := s.clock.Now()
	record := &domain.DisputeRecord{
		ID:                s.genID.Generate(),
		PaymentID:         event.PaymentID,
		Provider:          event.Provider,
		ProviderDisputeID: event.ProviderDisputeID,
		LastEventID:       event.ProviderEventID,
		AmountCents:       event.AmountCents,
		Currency:          event.Currency,
		Status:            domain.DisputeStatusOpen,
		Reason:            event.Reason,
		ReceivedAt:        now,
		UpdatedAt:         now,
	}
	inserted, err := s.repo.InsertDispute(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("dispute opened",
			zap.String("provider", event.Provider),
			zap.String("provider_dispute_id", event.ProviderDisputeID),
			zap.String("payment_id", event.PaymentID.String()))
		return record, nil
	}
	return s.repo.FindDispute(ctx, s.db, event.Provider, event.ProviderDisputeID)
}

func (s *Service) handleWithdrawal(ctx context.Context, event *domain.DisputeEvent) (*domain.DisputeRecord, error) {
	record, err := s.ensureRecord(ctx, event)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.DisputeStatusOpen {
		return record, nil
	}

	// claim the transition before moving funds so a concurrent or
	// redelivered webhook can never charge back twice
	claimed, err := s.repo.Transition(ctx, s.db, record.ID,
		domain.DisputeStatusOpen, domain.DisputeStatusWithdrawn,
		event.ProviderEventID, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.repo.FindDispute(ctx, s.db, event.Provider, event.ProviderDisputeID)
	}

	txn, err := s.paymentSvc.Chargeback(ctx, record.PaymentID, event.AmountCents)
	if err != nil {
		// release the claim so the provider's retry can try again
		if _, revertErr := s.repo.Transition(ctx, s.db, record.ID,
			domain.DisputeStatusWithdrawn, domain.DisputeStatusOpen,
			event.ProviderEventID, nil, s.clock.Now()); revertErr != nil {
			s.log.Error("failed to release dispute claim",
				zap.String("provider_dispute_id", event.ProviderDisputeID),
				zap.Error(revertErr))
		}
		return nil, err
	}
	if _, err := s.repo.Transition(ctx, s.db, record.ID,
		domain.DisputeStatusWithdrawn, domain.DisputeStatusWithdrawn,
		event.ProviderEventID, &txn.ID, s.clock.Now()); err != nil {
		return nil, err
	}

	s.log.Info("dispute funds withdrawn",
		zap.String("provider_dispute_id", event.ProviderDisputeID),
		zap.String("payment_id", record.PaymentID.String()),
		zap.Int64("amount_cents", event.AmountCents))
	record.Status = domain.DisputeStatusWithdrawn
	record.ChargebackID = &txn.ID
	return record, nil
}

func (s *Service) handleReinstatement(ctx context.Context, event *domain.DisputeEvent) (*domain.DisputeRecord, error) {
	record, err := s.repo.FindDispute(ctx, s.db, event.Provider, event.ProviderDisputeID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrDisputeNotFound
	}
	if record.Status != domain.DisputeStatusWithdrawn || record.ChargebackID == nil {
		return record, nil
	}

	if _, err := s.paymentSvc.ChargebackReversal(ctx, record.PaymentID, *record.ChargebackID); err != nil {
		return nil, err
	}
	if _, err := s.repo.Transition(ctx, s.db, record.ID,
		domain.DisputeStatusWithdrawn, domain.DisputeStatusReinstated,
		event.ProviderEventID, nil, s.clock.Now()); err != nil {
		return nil, err
	}

	s.log.Info("dispute funds reinstated",
		zap.String("provider_dispute_id", event.ProviderDisputeID),
		zap.String("payment_id", record.PaymentID.String()))
	record.Status = domain.DisputeStatusReinstated
	return record, nil
}

func (s *Service) handleClose(ctx context.Context, event *domain.DisputeEvent) (*domain.DisputeRecord, error) {
	record, err := s.repo.FindDispute(ctx, s.db, event.Provider, event.ProviderDisputeID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrDisputeNotFound
	}
	if record.Status == domain.DisputeStatusClosed {
		return record, nil
	}

	if _, err := s.repo.Transition(ctx, s.db, record.ID,
		record.Status, domain.DisputeStatusClosed,
		event.ProviderEventID, nil, s.clock.Now()); err != nil {
		return nil, err
	}
	record.Status = domain.DisputeStatusClosed
	return record, nil
}
