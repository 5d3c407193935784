package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	accountrepository "github.com/smallbiznis/tally/internal/account/repository"
	"github.com/smallbiznis/tally/internal/accountlock"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	auditrepository "github.com/smallbiznis/tally/internal/audit/repository"
	auditservice "github.com/smallbiznis/tally/internal/audit/service"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/tally/internal/catalog/service"
	"github.com/smallbiznis/tally/internal/config"
	consolidationservice "github.com/smallbiznis/tally/internal/consolidation/service"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/tally/internal/entitlement/repository"
	domain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/repository"
	"github.com/smallbiznis/tally/internal/notification"
	paymentdomain "github.com/smallbiznis/tally/internal/payment/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	usagerepository "github.com/smallbiznis/tally/internal/usage/repository"
	usageservice "github.com/smallbiznis/tally/internal/usage/service"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	db       *gorm.DB
	svc      domain.Service
	usageSvc usagedomain.Service
	repo     domain.Repository
	node     *snowflake.Node
	clk      *testClock
}

func testPlans() []catalogdomain.Plan {
	return []catalogdomain.Plan{
		{
			Code:     "gold",
			Currency: "USD",
			Period:   entitlementdomain.BillingPeriodMonthly,
			Phases: []catalogdomain.Phase{
				{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 2999},
			},
			Meters: []catalogdomain.MeterPrice{
				{MeterCode: "api_calls", PerUnitCents: 2},
			},
		},
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&entitlementdomain.BillingEvent{},
		&domain.Invoice{},
		&domain.InvoiceItem{},
		&paymentdomain.Payment{},
		&paymentdomain.PaymentTransaction{},
		&notification.Notification{},
		&auditdomain.AuditLog{},
		&usagedomain.UsageRecord{},
		&usagedomain.UsageRollup{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := &testClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	log := zap.NewNop()

	accountRepo := accountrepository.Provide()
	invoiceRepo := repository.Provide()
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        auditrepository.Provide(),
		AccountRepo: accountRepo,
	})
	queue := notification.NewQueue(db, log, node, clk)
	consolidator := consolidationservice.NewService(consolidationservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Config:      cfg,
		InvoiceRepo: invoiceRepo,
		AccountRepo: accountRepo,
		Queue:       queue,
	})
	usageSvc := usageservice.NewService(usageservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        usagerepository.Provide(),
		AccountRepo: accountRepo,
		Plans:       testPlans(),
	})

	svc := NewService(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Config:          cfg,
		Repo:            invoiceRepo,
		AccountRepo:     accountRepo,
		EntitlementRepo: entitlementrepository.Provide(),
		Pricer:          catalogservice.NewStatic(log, testPlans()...),
		AuditSvc:        auditSvc,
		Locker:          accountlock.NewLocker(),
		Consolidator:    consolidator,
		UsageSvc:        usageSvc,
	})

	return &fixture{db: db, svc: svc, usageSvc: usageSvc, repo: invoiceRepo, node: node, clk: clk}
}

func (f *fixture) seedAccount(t *testing.T) accountdomain.Account {
	t.Helper()
	account := accountdomain.Account{
		ID:          f.node.Generate(),
		ExternalKey: fmt.Sprintf("acct-%d", f.node.Generate()),
		Name:        "Test Account",
		Currency:    "USD",
		CreatedAt:   f.clk.now,
		UpdatedAt:   f.clk.now,
	}
	require.NoError(t, f.db.Create(&account).Error)
	return account
}

func (f *fixture) seedEvent(t *testing.T, accountID, subscriptionID snowflake.ID, kind entitlementdomain.BillingEventType, effective time.Time, planCode string) {
	t.Helper()
	event := entitlementdomain.BillingEvent{
		ID:             f.node.Generate(),
		AccountID:      accountID,
		SubscriptionID: subscriptionID,
		Type:           kind,
		EffectiveDate:  effective,
		PlanCode:       planCode,
		CreatedAt:      f.clk.now,
	}
	require.NoError(t, f.db.Create(&event).Error)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func itemsOfType(items []domain.InvoiceItem, kind domain.ItemType) []domain.InvoiceItem {
	var out []domain.InvoiceItem
	for _, item := range items {
		if item.Type == kind {
			out = append(out, item)
		}
	}
	return out
}

func TestGenerateFreshSubscription(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, domain.InvoiceStatusDraft, invoices[0].Status)

	recurring := itemsOfType(invoices[0].Items, domain.ItemTypeRecurring)
	require.Len(t, recurring, 1)
	require.Equal(t, int64(2999), recurring[0].AmountCents)
	require.Equal(t, day(2024, 1, 15), recurring[0].StartDate.UTC())
	require.Equal(t, day(2024, 2, 15), recurring[0].EndDate.UTC())
}

func TestGenerateIsIdempotentPerTargetDate(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)

	_, err = f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.ErrorIs(t, err, domain.ErrNothingToDo)
}

func TestGenerateNoEvents(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.ErrorIs(t, err, domain.ErrNothingToDo)
}

func TestDryRunPersistsNothing(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
		DryRun:     true,
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.NotEmpty(t, invoices[0].Items)

	var count int64
	require.NoError(t, f.db.Model(&domain.Invoice{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCancellationGeneratesRepairAndCredit(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	first, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)

	f.clk.now = day(2024, 2, 1)
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCancel, day(2024, 2, 1), "")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 2, 1),
	})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	repairs := itemsOfType(invoices[0].Items, domain.ItemTypeRepairAdj)
	require.Len(t, repairs, 1)
	require.Negative(t, repairs[0].AmountCents)
	require.Equal(t, day(2024, 2, 1), repairs[0].StartDate.UTC())
	require.Equal(t, day(2024, 2, 15), repairs[0].EndDate.UTC())

	// the repaired stretch becomes credit, but the first invoice is still
	// a draft, so the reserve holds instead of being spent
	reserve, err := f.svc.AccountCBACents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, -repairs[0].AmountCents, reserve)

	balance, err := f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2999), balance)

	// committing the first invoice lets it consume the reserve
	require.NoError(t, f.svc.CommitInvoice(context.Background(), first[0].ID))

	reserve, err = f.svc.AccountCBACents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Zero(t, reserve)

	balance, err = f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, 2999+repairs[0].AmountCents, balance)

	allInvoices, err := f.repo.ListInvoicesByAccount(context.Background(), f.db, account.ID)
	require.NoError(t, err)
	for _, invoice := range allInvoices {
		items, err := f.repo.ListItemsByInvoice(context.Background(), f.db, invoice.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, domain.ItemTotalCents(items), int64(0))
	}
}

func TestAutoCommitTriggersOnGeneration(t *testing.T) {
	f := newFixture(t, config.Config{AutoCommitInvoices: true})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusCommitted, invoices[0].Status)
	require.NotNil(t, invoices[0].CommittedAt)
}

func TestParkedAccountRefusesGeneration(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", account.ID).Update("parked", true).Error)

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.ErrorIs(t, err, domain.ErrAccountParked)
}

func TestCommitInvoiceIsIdempotent(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.CommitInvoice(context.Background(), invoices[0].ID))
	committed, err := f.svc.GetInvoice(context.Background(), invoices[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusCommitted, committed.Status)

	// a redelivered commit timer is a no-op
	require.NoError(t, f.svc.CommitInvoice(context.Background(), invoices[0].ID))
}

func TestItemAdjustmentFullAndPartial(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	target := itemsOfType(invoices[0].Items, domain.ItemTypeRecurring)[0]

	partial := int64(1000)
	adj, err := f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, target.ID, &partial)
	require.NoError(t, err)
	require.Equal(t, domain.ItemTypeItemAdj, adj.Type)
	require.Equal(t, int64(-1000), adj.AmountCents)
	require.Equal(t, target.ID, *adj.LinkedItemID)

	// the remainder can be adjusted away entirely
	full, err := f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, target.ID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(-1999), full.AmountCents)

	// nothing remains to adjust
	_, err = f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, target.ID, &partial)
	require.ErrorIs(t, err, domain.ErrAdjustmentExceedsItem)

	balance, err := f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestAdjustmentRejectsNonChargeItem(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	target := itemsOfType(invoices[0].Items, domain.ItemTypeRecurring)[0]

	adj, err := f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, target.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, adj.ID, nil)
	require.ErrorIs(t, err, domain.ErrItemNotAdjustable)
}

func TestTransferChildCreditToParent(t *testing.T) {
	f := newFixture(t, config.Config{})
	parent := f.seedAccount(t)
	child := f.seedAccount(t)
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", child.ID).
		Updates(map[string]any{"parent_id": parent.ID, "payment_delegated": true}).Error)

	// seed a credit reserve on the child: a zero-total invoice pairing a
	// credit grant with its reserve entry
	now := f.clk.now
	invoice := domain.Invoice{
		ID: f.node.Generate(), AccountID: child.ID,
		Status: domain.InvoiceStatusCommitted, TargetDate: now,
		Currency: "USD", CommittedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(&invoice).Error)
	require.NoError(t, f.db.Create(&[]domain.InvoiceItem{
		{ID: f.node.Generate(), InvoiceID: invoice.ID, AccountID: child.ID, Type: domain.ItemTypeCreditAdj,
			StartDate: now, EndDate: now, AmountCents: -1500, Currency: "USD", CreatedAt: now},
		{ID: f.node.Generate(), InvoiceID: invoice.ID, AccountID: child.ID, Type: domain.ItemTypeCBAAdj,
			StartDate: now, EndDate: now, AmountCents: 1500, Currency: "USD", CreatedAt: now},
	}).Error)

	require.NoError(t, f.svc.TransferChildCreditToParent(context.Background(), child.ID))

	childReserve, err := f.svc.AccountCBACents(context.Background(), child.ID)
	require.NoError(t, err)
	require.Zero(t, childReserve)

	parentReserve, err := f.svc.AccountCBACents(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), parentReserve)

	// both swap invoices balance to zero
	childBalance, err := f.svc.AccountBalanceCents(context.Background(), child.ID)
	require.NoError(t, err)
	require.Zero(t, childBalance)

	err = f.svc.TransferChildCreditToParent(context.Background(), child.ID)
	require.ErrorIs(t, err, domain.ErrNoCreditToTransfer)
}

func TestTransferRequiresChildAccount(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)

	err := f.svc.TransferChildCreditToParent(context.Background(), account.ID)
	require.ErrorIs(t, err, domain.ErrNotChildAccount)
}

func TestDelegatedChildMirrorsOntoParentDraft(t *testing.T) {
	f := newFixture(t, config.Config{})
	parent := f.seedAccount(t)
	child := f.seedAccount(t)
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", child.ID).
		Updates(map[string]any{"parent_id": parent.ID, "payment_delegated": true}).Error)

	sub := f.node.Generate()
	f.seedEvent(t, child.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  child.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)

	draft, err := f.repo.FindParentDraft(context.Background(), f.db, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, draft)
	require.True(t, draft.IsParent)

	summaries, err := f.repo.ListItemsByInvoice(context.Background(), f.db, draft.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, domain.ItemTypeParentSummary, summaries[0].Type)
	require.Equal(t, int64(2999), summaries[0].AmountCents)

	var count int64
	require.NoError(t, f.db.Model(&notification.Notification{}).
		Where("tag = ?", notification.TagParentCommit).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestChildAdjustmentFoldsIntoParent(t *testing.T) {
	f := newFixture(t, config.Config{})
	parent := f.seedAccount(t)
	child := f.seedAccount(t)
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", child.ID).
		Updates(map[string]any{"parent_id": parent.ID, "payment_delegated": true}).Error)

	sub := f.node.Generate()
	f.seedEvent(t, child.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  child.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	childItem := itemsOfType(invoices[0].Items, domain.ItemTypeRecurring)[0]

	// while the parent invoice is a draft the mirrored summary mutates
	partial := int64(500)
	_, err = f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, childItem.ID, &partial)
	require.NoError(t, err)

	summary, err := f.repo.FindSummaryItemByChildItem(context.Background(), f.db, childItem.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2499), summary.AmountCents)

	// once committed the summary is immutable and the fold appends
	draft, err := f.repo.FindParentDraft(context.Background(), f.db, parent.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CommitInvoice(context.Background(), draft.ID))

	_, err = f.svc.InsertItemAdjustment(context.Background(), invoices[0].ID, childItem.ID, &partial)
	require.NoError(t, err)

	summary, err = f.repo.FindSummaryItemByChildItem(context.Background(), f.db, childItem.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2499), summary.AmountCents)

	parentItems, err := f.repo.ListItemsByInvoice(context.Background(), f.db, draft.ID)
	require.NoError(t, err)
	mirrored := itemsOfType(parentItems, domain.ItemTypeItemAdj)
	require.Len(t, mirrored, 1)
	require.Equal(t, int64(-500), mirrored[0].AmountCents)
	require.Equal(t, summary.ID, *mirrored[0].LinkedItemID)
}

func TestAutoCommitConsumesReserveOnGeneration(t *testing.T) {
	f := newFixture(t, config.Config{AutoCommitInvoices: true})
	account := f.seedAccount(t)

	// a pre-existing credit reserve, granted as a zero-total swap invoice
	now := f.clk.now
	swap := domain.Invoice{
		ID: f.node.Generate(), AccountID: account.ID,
		Status: domain.InvoiceStatusCommitted, TargetDate: now,
		Currency: "USD", CommittedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(&swap).Error)
	require.NoError(t, f.db.Create(&[]domain.InvoiceItem{
		{ID: f.node.Generate(), InvoiceID: swap.ID, AccountID: account.ID, Type: domain.ItemTypeCreditAdj,
			StartDate: now, EndDate: now, AmountCents: -1500, Currency: "USD", CreatedAt: now},
		{ID: f.node.Generate(), InvoiceID: swap.ID, AccountID: account.ID, Type: domain.ItemTypeCBAAdj,
			StartDate: now, EndDate: now, AmountCents: 1500, Currency: "USD", CreatedAt: now},
	}).Error)

	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	require.Equal(t, domain.InvoiceStatusCommitted, invoices[0].Status)

	// the auto-committed invoice spends the reserve in the same pass
	reserve, err := f.svc.AccountCBACents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Zero(t, reserve)

	balance, err := f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2999-1500), balance)
}

func TestSettlementRebalanceRestoresCreditInvariant(t *testing.T) {
	f := newFixture(t, config.Config{AutoCommitInvoices: true})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)
	first := invoices[0]

	// while the payment for the first invoice is in flight, a cancellation
	// generates credit, which the committed invoice immediately consumes
	f.clk.now = day(2024, 2, 1)
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCancel, day(2024, 2, 1), "")
	invoices, err = f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 2, 1),
	})
	require.NoError(t, err)
	repairs := itemsOfType(invoices[0].Items, domain.ItemTypeRepairAdj)
	require.Len(t, repairs, 1)
	credit := -repairs[0].AmountCents

	balance, err := f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, 2999-credit, balance)

	// the in-flight payment settles at the full pre-credit amount
	now := f.clk.now
	payment := paymentdomain.Payment{
		ID: f.node.Generate(), AccountID: account.ID, InvoiceID: first.ID,
		Currency: "USD", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(&payment).Error)
	require.NoError(t, f.db.Create(&paymentdomain.PaymentTransaction{
		ID: f.node.Generate(), PaymentID: payment.ID,
		Type: paymentdomain.TransactionTypePurchase, Status: paymentdomain.TransactionStatusSuccess,
		RequestedCents: 2999, ProcessedCents: 2999, ProcessedCurrency: "USD",
		CreatedAt: now, UpdatedAt: now,
	}).Error)

	// charged 2999, paid 2999, credit applied on top: the invoice balance
	// went negative
	balance, err = f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, -credit, balance)

	require.NoError(t, f.svc.RebalanceAccountCredit(context.Background(), account.ID))

	// the spent credit returns to the reserve and every balance is back to
	// max(charged - paid - credit, 0)
	balance, err = f.svc.AccountBalanceCents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Zero(t, balance)

	reserve, err := f.svc.AccountCBACents(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, credit, reserve)
}

func TestRebalanceRequiresKnownAccount(t *testing.T) {
	f := newFixture(t, config.Config{})

	err := f.svc.RebalanceAccountCredit(context.Background(), f.node.Generate())
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestChildCurrencyMismatchAbortsMirroring(t *testing.T) {
	f := newFixture(t, config.Config{})
	parent := f.seedAccount(t)
	child := f.seedAccount(t)
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", parent.ID).Update("currency", "EUR").Error)
	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", child.ID).
		Updates(map[string]any{"parent_id": parent.ID, "payment_delegated": true}).Error)

	sub := f.node.Generate()
	f.seedEvent(t, child.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  child.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)

	// the whole pass rolls back: no child invoice, no parent draft
	var count int64
	require.NoError(t, f.db.Model(&domain.Invoice{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUsageBillsOncePerClosedPeriod(t *testing.T) {
	f := newFixture(t, config.Config{})
	account := f.seedAccount(t)
	sub := f.node.Generate()
	f.seedEvent(t, account.ID, sub, entitlementdomain.BillingEventCreate, day(2024, 1, 15), "gold")

	_, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 1, 15),
	})
	require.NoError(t, err)

	_, err = f.usageSvc.RecordUsage(context.Background(), usagedomain.UsageRecord{
		AccountID:      account.ID,
		SubscriptionID: sub,
		MeterCode:      "api_calls",
		Quantity:       150,
		RecordedAt:     day(2024, 1, 20),
		IdempotencyKey: "jan-batch-1",
	})
	require.NoError(t, err)

	// the first recurring period closes on Feb 15
	f.clk.now = day(2024, 2, 15)
	invoices, err := f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 2, 15),
	})
	require.NoError(t, err)

	usageItems := itemsOfType(invoices[0].Items, domain.ItemTypeUsage)
	require.Len(t, usageItems, 1)
	require.Equal(t, int64(300), usageItems[0].AmountCents)
	require.Equal(t, "api_calls", usageItems[0].PhaseCode)
	require.Equal(t, day(2024, 1, 15), usageItems[0].StartDate.UTC())
	require.Equal(t, day(2024, 2, 15), usageItems[0].EndDate.UTC())

	// usage recorded after billing never rebills the closed period
	_, err = f.usageSvc.RecordUsage(context.Background(), usagedomain.UsageRecord{
		AccountID:      account.ID,
		SubscriptionID: sub,
		MeterCode:      "api_calls",
		Quantity:       40,
		RecordedAt:     day(2024, 2, 1),
		IdempotencyKey: "jan-late",
	})
	require.NoError(t, err)

	_, err = f.svc.GenerateInvoice(context.Background(), domain.GenerateRequest{
		AccountID:  account.ID,
		TargetDate: day(2024, 2, 15),
	})
	require.ErrorIs(t, err, domain.ErrNothingToDo)
}
