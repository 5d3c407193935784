package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	"github.com/smallbiznis/tally/internal/clock"
	domain "github.com/smallbiznis/tally/internal/entitlement/domain"
	"github.com/smallbiznis/tally/internal/notification"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	AccountRepo accountdomain.Repository
	Queue       *notification.Queue
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	accountRepo accountdomain.Repository
	queue       *notification.Queue
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
		queue:       p.Queue,
	}
}

func (s *Service) RecordEvent(ctx context.Context, event domain.BillingEvent) (*domain.BillingEvent, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	account, err := s.accountRepo.Find(ctx, s.db, event.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	event.ID = s.genID.Generate()
	event.EffectiveDate = event.EffectiveDate.UTC()
	event.CreatedAt = s.clock.Now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertEvent(ctx, tx, &event); err != nil {
			return err
		}
		// Wake an invoicing pass on the event's effective day. The dedupe
		// key collapses multiple events landing on the same day.
		day := event.EffectiveDate.Truncate(24 * time.Hour)
		_, err := s.queue.ScheduleTx(ctx, tx, notification.ScheduleRequest{
			AccountID:     event.AccountID,
			Tag:           notification.TagInvoiceRun,
			EffectiveDate: day,
			Payload: map[string]any{
				"account_id":  event.AccountID.String(),
				"target_date": day.Format(time.RFC3339),
			},
			DedupeKey: fmt.Sprintf("invoice-run:%s:%s", event.AccountID, day.Format("2006-01-02")),
		})
		if err != nil && !errors.Is(err, notification.ErrDuplicateNotification) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("billing event recorded",
		zap.String("account_id", event.AccountID.String()),
		zap.String("subscription_id", event.SubscriptionID.String()),
		zap.String("type", string(event.Type)),
		zap.Time("effective_date", event.EffectiveDate))
	return &event, nil
}

func (s *Service) ListEvents(ctx context.Context, accountID snowflake.ID) ([]domain.BillingEvent, error) {
	if accountID == 0 {
		return nil, domain.ErrInvalidAccount
	}
	return s.repo.ListEventsByAccount(ctx, s.db, accountID)
}

func (s *Service) SubscriptionSegments(ctx context.Context, subscriptionID snowflake.ID, until time.Time) ([]domain.Segment, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscription
	}
	events, err := s.repo.ListEventsBySubscription(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	timeline := domain.BuildTimeline(subscriptionID, events)
	return timeline.Segments(until), nil
}
