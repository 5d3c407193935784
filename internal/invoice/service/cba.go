package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/invoice/domain"
)

// rebalanceAccount restores the credit invariant for every invoice of the
// account: a negative item total (repairs or credits exceeding charges)
// generates CBA credit on that invoice; committed invoices still carrying
// a positive balance then consume the reserve, oldest first. Draft
// invoices never spend the reserve; they get their turn when committed.
// Afterwards every invoice balance is max(charged - paid - creditApplied,
// 0) and the reserve equals the signed sum of all CBA_ADJ items.
func (s *Service) rebalanceAccount(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) error {
	invoices, err := s.repo.ListInvoicesByAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	allItems, err := s.repo.ListItemsByAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}

	itemsByInvoice := make(map[snowflake.ID][]domain.InvoiceItem, len(invoices))
	for _, item := range allItems {
		itemsByInvoice[item.InvoiceID] = append(itemsByInvoice[item.InvoiceID], item)
	}

	var adjustments []domain.InvoiceItem
	generate := func(invoice domain.Invoice, amount int64) {
		adjustments = append(adjustments, domain.InvoiceItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoice.ID,
			AccountID:   accountID,
			Type:        domain.ItemTypeCBAAdj,
			StartDate:   now,
			EndDate:     now,
			AmountCents: amount,
			Currency:    invoice.Currency,
			CreatedAt:   now,
		})
	}

	// First pass: lift negative invoices to zero, moving the excess into
	// the reserve.
	balances := make(map[snowflake.ID]int64, len(invoices))
	reserve := int64(0)
	for _, invoice := range invoices {
		items := itemsByInvoice[invoice.ID]
		paid, err := s.repo.PaidCents(ctx, tx, invoice.ID)
		if err != nil {
			return err
		}
		balance := domain.BalanceCents(items, paid)
		reserve += domain.CBACents(items)
		if balance < 0 {
			generate(invoice, -balance)
			reserve += -balance
			balance = 0
		}
		balances[invoice.ID] = balance
	}

	// Second pass: spend the reserve against open committed balances,
	// oldest first.
	if reserve > 0 {
		for _, invoice := range invoices {
			if reserve == 0 {
				break
			}
			if invoice.Status != domain.InvoiceStatusCommitted {
				continue
			}
			balance := balances[invoice.ID]
			if balance <= 0 {
				continue
			}
			use := balance
			if use > reserve {
				use = reserve
			}
			generate(invoice, -use)
			reserve -= use
		}
	}

	return s.repo.InsertItems(ctx, tx, adjustments)
}
