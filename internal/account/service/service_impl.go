package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/account/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/money"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateAccount(ctx context.Context, req domain.CreateRequest) (*domain.Account, error) {
	key := strings.TrimSpace(req.ExternalKey)
	if key == "" {
		return nil, domain.ErrInvalidAccount
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.ParentID != nil {
		parent, err := s.repo.Find(ctx, s.db, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, domain.ErrAccountNotFound
		}
	} else if req.PaymentDelegated {
		// Delegation without a parent has nowhere to send the items.
		return nil, domain.ErrInvalidAccount
	}

	now := s.clock.Now()
	account := &domain.Account{
		ID:               s.genID.Generate(),
		ExternalKey:      key,
		Name:             strings.TrimSpace(req.Name),
		Currency:         currency,
		ParentID:         req.ParentID,
		PaymentDelegated: req.PaymentDelegated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, account); err != nil {
		return nil, err
	}
	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("external_key", key))
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (*domain.Account, error) {
	account, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetAccountByExternalKey(ctx context.Context, key string) (*domain.Account, error) {
	account, err := s.repo.FindByExternalKey(ctx, s.db, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}
