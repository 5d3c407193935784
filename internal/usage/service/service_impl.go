package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	domain "github.com/smallbiznis/tally/internal/usage/domain"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	AccountRepo accountdomain.Repository
	Plans       []catalogdomain.Plan `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	accountRepo accountdomain.Repository
	plans       map[string]catalogdomain.Plan
}

func NewService(p Params) domain.Service {
	plans := make(map[string]catalogdomain.Plan, len(p.Plans))
	for _, plan := range p.Plans {
		plans[plan.Code] = plan
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("usage.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
		plans:       plans,
	}
}

func (s *Service) RecordUsage(ctx context.Context, record domain.UsageRecord) (*domain.UsageRecord, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	account, err := s.accountRepo.Find(ctx, s.db, record.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountUnknown
	}

	record.ID = s.genID.Generate()
	record.RecordedAt = record.RecordedAt.UTC()
	record.CreatedAt = s.clock.Now()

	inserted, err := s.repo.InsertRecord(ctx, s.db, &record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		s.log.Debug("duplicate usage record dropped",
			zap.String("subscription_id", record.SubscriptionID.String()),
			zap.String("idempotency_key", record.IdempotencyKey))
	}
	return &record, nil
}

func (s *Service) ListUsage(ctx context.Context, subscriptionID snowflake.ID, limit int) ([]domain.UsageRecord, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidRecord
	}
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID, limit)
}

func (s *Service) ChargesForPeriod(
	ctx context.Context,
	subscriptionID snowflake.ID,
	planCode string,
	start, end time.Time,
) ([]domain.UsageCharge, error) {
	plan, ok := s.plans[planCode]
	if !ok || len(plan.Meters) == 0 {
		return nil, nil
	}

	var charges []domain.UsageCharge
	for _, meter := range plan.Meters {
		quantity, err := s.repo.TotalForPeriod(ctx, s.db, subscriptionID, meter.MeterCode, start, end)
		if err != nil {
			return nil, err
		}
		if quantity <= 0 {
			continue
		}
		charges = append(charges, domain.UsageCharge{
			MeterCode:   meter.MeterCode,
			Quantity:    quantity,
			AmountCents: quantity * meter.PerUnitCents,
			Currency:    plan.Currency,
		})
	}
	return charges, nil
}
