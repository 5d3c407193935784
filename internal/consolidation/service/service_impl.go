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
	"github.com/smallbiznis/tally/internal/config"
	domain "github.com/smallbiznis/tally/internal/consolidation/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/notification"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	InvoiceRepo invoicedomain.Repository
	AccountRepo accountdomain.Repository
	Queue       *notification.Queue
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	invoiceRepo invoicedomain.Repository
	accountRepo accountdomain.Repository
	queue       *notification.Queue
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("consolidation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config,
		invoiceRepo: p.InvoiceRepo,
		accountRepo: p.AccountRepo,
		queue:       p.Queue,
	}
}

func (s *Service) OnChildItems(ctx context.Context, tx *gorm.DB, child *accountdomain.Account, items []invoicedomain.InvoiceItem) error {
	if child == nil || !child.IsDelegatedChild() {
		return domain.ErrNotDelegated
	}
	parentID := *child.ParentID
	parent, err := s.accountRepo.Find(ctx, tx, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return domain.ErrParentNotFound
	}
	// A summary carries the child amount under the parent's currency, so
	// mixed-currency hierarchies cannot be mirrored verbatim.
	if child.Currency != parent.Currency {
		return invoicedomain.ErrCurrencyMismatch
	}
	for _, item := range items {
		if item.Currency != parent.Currency {
			return invoicedomain.ErrCurrencyMismatch
		}
	}

	now := s.clock.Now()
	var draft *invoicedomain.Invoice

	ensureDraft := func() (*invoicedomain.Invoice, error) {
		if draft != nil {
			return draft, nil
		}
		found, err := s.invoiceRepo.FindParentDraft(ctx, tx, parentID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			draft = found
			return draft, nil
		}
		created := &invoicedomain.Invoice{
			ID:         s.genID.Generate(),
			AccountID:  parentID,
			Status:     invoicedomain.InvoiceStatusDraft,
			IsParent:   true,
			TargetDate: now,
			Currency:   parent.Currency,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.invoiceRepo.InsertInvoice(ctx, tx, created); err != nil {
			return nil, err
		}
		if err := s.scheduleCommit(ctx, tx, parentID, created.ID, now); err != nil {
			return nil, err
		}
		draft = created
		return draft, nil
	}

	for _, item := range items {
		switch {
		case item.Type.IsCharge():
			invoice, err := ensureDraft()
			if err != nil {
				return err
			}
			summary := invoicedomain.InvoiceItem{
				ID:          s.genID.Generate(),
				InvoiceID:   invoice.ID,
				AccountID:   parentID,
				ChildItemID: ptr(item.ID),
				Type:        invoicedomain.ItemTypeParentSummary,
				PlanCode:    item.PlanCode,
				PhaseCode:   item.PhaseCode,
				StartDate:   item.StartDate,
				EndDate:     item.EndDate,
				AmountCents: item.AmountCents,
				Currency:    parent.Currency,
				Description: "child " + child.ExternalKey,
				CreatedAt:   now,
			}
			if err := s.invoiceRepo.InsertItems(ctx, tx, []invoicedomain.InvoiceItem{summary}); err != nil {
				return err
			}
		case item.Type.IsAdjustment():
			if err := s.foldAdjustment(ctx, tx, parentID, item, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) OnChildAdjustment(ctx context.Context, tx *gorm.DB, child *accountdomain.Account, adjustment invoicedomain.InvoiceItem) error {
	if child == nil || !child.IsDelegatedChild() {
		return domain.ErrNotDelegated
	}
	return s.foldAdjustment(ctx, tx, *child.ParentID, adjustment, s.clock.Now())
}

// foldAdjustment applies a child-side reduction to the mirrored summary:
// mutate the summary while the parent invoice is still a draft, append a
// mirrored ITEM_ADJ once it committed.
func (s *Service) foldAdjustment(ctx context.Context, tx *gorm.DB, parentID snowflake.ID, adjustment invoicedomain.InvoiceItem, now time.Time) error {
	if adjustment.LinkedItemID == nil {
		return nil
	}
	summary, err := s.invoiceRepo.FindSummaryItemByChildItem(ctx, tx, *adjustment.LinkedItemID)
	if err != nil {
		return err
	}
	if summary == nil {
		// The adjusted child item predates consolidation; nothing to fold.
		s.log.Warn("no parent summary for adjusted child item",
			zap.String("child_item_id", adjustment.LinkedItemID.String()))
		return nil
	}
	parentInvoice, err := s.invoiceRepo.FindInvoice(ctx, tx, summary.InvoiceID)
	if err != nil {
		return err
	}
	if parentInvoice == nil {
		return domain.ErrParentNotFound
	}

	if parentInvoice.Status == invoicedomain.InvoiceStatusDraft {
		return s.invoiceRepo.UpdateParentSummaryAmount(ctx, tx, summary.ID, summary.AmountCents+adjustment.AmountCents, now)
	}

	mirrored := invoicedomain.InvoiceItem{
		ID:           s.genID.Generate(),
		InvoiceID:    parentInvoice.ID,
		AccountID:    parentID,
		LinkedItemID: ptr(summary.ID),
		ChildItemID:  adjustment.LinkedItemID,
		Type:         invoicedomain.ItemTypeItemAdj,
		PlanCode:     summary.PlanCode,
		PhaseCode:    summary.PhaseCode,
		StartDate:    adjustment.StartDate,
		EndDate:      adjustment.EndDate,
		AmountCents:  adjustment.AmountCents,
		Currency:     parentInvoice.Currency,
		Description:  "child adjustment",
		CreatedAt:    now,
	}
	return s.invoiceRepo.InsertItems(ctx, tx, []invoicedomain.InvoiceItem{mirrored})
}

// scheduleCommit arms the parent auto-commit timer: after the configured
// delay, or end of day when no delay is configured. The dedupe key pins
// the timer to the invoice, so re-mirroring never re-arms it.
func (s *Service) scheduleCommit(ctx context.Context, tx *gorm.DB, parentID, invoiceID snowflake.ID, now time.Time) error {
	due := now.Add(s.cfg.ParentCommitDelay)
	if s.cfg.ParentCommitDelay <= 0 {
		due = endOfDay(now)
	}
	_, err := s.queue.ScheduleTx(ctx, tx, notification.ScheduleRequest{
		AccountID:     parentID,
		Tag:           notification.TagParentCommit,
		EffectiveDate: due,
		Payload: map[string]any{
			"invoice_id": invoiceID.String(),
		},
		DedupeKey: fmt.Sprintf("parent-commit:%s", invoiceID),
	})
	if err != nil && !errors.Is(err, notification.ErrDuplicateNotification) {
		return err
	}
	s.log.Info("parent commit scheduled",
		zap.String("parent_account_id", parentID.String()),
		zap.String("invoice_id", invoiceID.String()),
		zap.Time("due", due))
	return nil
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func ptr(id snowflake.ID) *snowflake.ID { return &id }
