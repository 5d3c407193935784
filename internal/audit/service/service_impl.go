package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/clock"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        auditdomain.Repository
	AccountRepo accountdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        auditdomain.Repository
	accountRepo accountdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("audit.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
	}
}

func (s *Service) Record(
	ctx context.Context,
	accountID *snowflake.ID,
	actor auditdomain.ActorType,
	action, targetType string,
	targetID *string,
	metadata map[string]any,
) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		return auditdomain.ErrInvalidTarget
	}

	meta := datatypes.JSONMap{}
	for key, value := range metadata {
		if strings.TrimSpace(key) == "" {
			continue
		}
		meta[key] = value
	}

	entry := &auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		AccountID:  accountID,
		ActorType:  string(actor),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  s.clock.Now(),
	}
	return s.repo.Insert(ctx, s.db, entry)
}

func (s *Service) ParkAccount(ctx context.Context, accountID snowflake.ID, reason string) error {
	if accountID == 0 {
		return auditdomain.ErrInvalidAccount
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.SetParked(ctx, tx, accountID, true, now); err != nil {
			return err
		}
		entry := &auditdomain.AuditLog{
			ID:         s.genID.Generate(),
			AccountID:  &accountID,
			ActorType:  string(auditdomain.ActorTypeSystem),
			Action:     "account.parked",
			TargetType: "account",
			Metadata:   datatypes.JSONMap{"reason": reason},
			CreatedAt:  now,
		}
		if err := s.repo.Insert(ctx, tx, entry); err != nil {
			return err
		}
		s.log.Warn("account parked for manual resolution",
			zap.String("account_id", accountID.String()),
			zap.String("reason", reason))
		return nil
	})
}

func (s *Service) UnparkAccount(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return auditdomain.ErrInvalidAccount
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.SetParked(ctx, tx, accountID, false, now); err != nil {
			return err
		}
		entry := &auditdomain.AuditLog{
			ID:         s.genID.Generate(),
			AccountID:  &accountID,
			ActorType:  string(auditdomain.ActorTypeAdmin),
			Action:     "account.unparked",
			TargetType: "account",
			Metadata:   datatypes.JSONMap{},
			CreatedAt:  now,
		}
		return s.repo.Insert(ctx, tx, entry)
	})
}
