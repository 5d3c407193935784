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
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
	domain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/internal/usage/repository"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	db   *gorm.DB
	svc  domain.Service
	node *snowflake.Node
	clk  *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&accountdomain.Account{}, &domain.UsageRecord{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := &testClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        repository.Provide(),
		AccountRepo: accountrepository.Provide(),
		Plans: []catalogdomain.Plan{
			{
				Code:     "gold",
				Currency: "USD",
				Period:   entitlementdomain.BillingPeriodMonthly,
				Phases: []catalogdomain.Phase{
					{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 2999},
				},
				Meters: []catalogdomain.MeterPrice{
					{MeterCode: "api_calls", PerUnitCents: 2},
					{MeterCode: "storage_gb", PerUnitCents: 50},
				},
			},
		},
	})

	return &fixture{db: db, svc: svc, node: node, clk: clk}
}

func (f *fixture) seedAccount(t *testing.T) accountdomain.Account {
	t.Helper()
	account := accountdomain.Account{
		ID:          f.node.Generate(),
		ExternalKey: fmt.Sprintf("acct-%d", f.node.Generate()),
		Name:        "Metered",
		Currency:    "USD",
		CreatedAt:   f.clk.now,
		UpdatedAt:   f.clk.now,
	}
	require.NoError(t, f.db.Create(&account).Error)
	return account
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecordUsageValidation(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t)
	sub := f.node.Generate()

	valid := domain.UsageRecord{
		AccountID:      account.ID,
		SubscriptionID: sub,
		MeterCode:      "api_calls",
		Quantity:       10,
		RecordedAt:     day(2024, 1, 20),
		IdempotencyKey: "k1",
	}

	cases := map[string]func(r domain.UsageRecord) domain.UsageRecord{
		"zero account":   func(r domain.UsageRecord) domain.UsageRecord { r.AccountID = 0; return r },
		"zero sub":       func(r domain.UsageRecord) domain.UsageRecord { r.SubscriptionID = 0; return r },
		"blank meter":    func(r domain.UsageRecord) domain.UsageRecord { r.MeterCode = " "; return r },
		"zero quantity":  func(r domain.UsageRecord) domain.UsageRecord { r.Quantity = 0; return r },
		"zero timestamp": func(r domain.UsageRecord) domain.UsageRecord { r.RecordedAt = time.Time{}; return r },
		"blank key":      func(r domain.UsageRecord) domain.UsageRecord { r.IdempotencyKey = ""; return r },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RecordUsage(context.Background(), mutate(valid))
			require.ErrorIs(t, err, domain.ErrInvalidRecord)
		})
	}

	_, err := f.svc.RecordUsage(context.Background(), valid)
	require.NoError(t, err)
}

func TestRecordUsageUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RecordUsage(context.Background(), domain.UsageRecord{
		AccountID:      f.node.Generate(),
		SubscriptionID: f.node.Generate(),
		MeterCode:      "api_calls",
		Quantity:       10,
		RecordedAt:     day(2024, 1, 20),
		IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, domain.ErrAccountUnknown)
}

func TestRecordUsageIdempotent(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t)
	sub := f.node.Generate()

	record := domain.UsageRecord{
		AccountID:      account.ID,
		SubscriptionID: sub,
		MeterCode:      "api_calls",
		Quantity:       10,
		RecordedAt:     day(2024, 1, 20),
		IdempotencyKey: "batch-42",
	}
	_, err := f.svc.RecordUsage(context.Background(), record)
	require.NoError(t, err)

	// a client retry with the same key lands silently
	record.Quantity = 999
	_, err = f.svc.RecordUsage(context.Background(), record)
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&domain.UsageRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	records, err := f.svc.ListUsage(context.Background(), sub, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(10), records[0].Quantity)
}

func TestListUsageNewestFirst(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t)
	sub := f.node.Generate()

	for i := 1; i <= 3; i++ {
		_, err := f.svc.RecordUsage(context.Background(), domain.UsageRecord{
			AccountID:      account.ID,
			SubscriptionID: sub,
			MeterCode:      "api_calls",
			Quantity:       int64(i),
			RecordedAt:     day(2024, 1, i),
			IdempotencyKey: fmt.Sprintf("k-%d", i),
		})
		require.NoError(t, err)
	}

	records, err := f.svc.ListUsage(context.Background(), sub, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(3), records[0].Quantity)
	require.Equal(t, int64(2), records[1].Quantity)
}

func TestChargesForPeriod(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t)
	sub := f.node.Generate()

	seed := func(key string, meter string, quantity int64, at time.Time) {
		t.Helper()
		_, err := f.svc.RecordUsage(context.Background(), domain.UsageRecord{
			AccountID:      account.ID,
			SubscriptionID: sub,
			MeterCode:      meter,
			Quantity:       quantity,
			RecordedAt:     at,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}
	seed("a", "api_calls", 100, day(2024, 1, 16))
	seed("b", "api_calls", 50, day(2024, 2, 14))
	seed("c", "api_calls", 30, day(2024, 2, 15)) // outside [Jan 15, Feb 15)
	seed("d", "storage_gb", 4, day(2024, 1, 31))

	charges, err := f.svc.ChargesForPeriod(context.Background(), sub, "gold", day(2024, 1, 15), day(2024, 2, 15))
	require.NoError(t, err)
	require.Len(t, charges, 2)

	require.Equal(t, "api_calls", charges[0].MeterCode)
	require.Equal(t, int64(150), charges[0].Quantity)
	require.Equal(t, int64(300), charges[0].AmountCents)
	require.Equal(t, "USD", charges[0].Currency)

	require.Equal(t, "storage_gb", charges[1].MeterCode)
	require.Equal(t, int64(200), charges[1].AmountCents)
}

func TestChargesForPeriodUnknownPlan(t *testing.T) {
	f := newFixture(t)
	sub := f.node.Generate()

	charges, err := f.svc.ChargesForPeriod(context.Background(), sub, "platinum", day(2024, 1, 15), day(2024, 2, 15))
	require.NoError(t, err)
	require.Nil(t, charges)
}

func TestChargesForPeriodSkipsIdleMeters(t *testing.T) {
	f := newFixture(t)
	account := f.seedAccount(t)
	sub := f.node.Generate()

	_, err := f.svc.RecordUsage(context.Background(), domain.UsageRecord{
		AccountID:      account.ID,
		SubscriptionID: sub,
		MeterCode:      "api_calls",
		Quantity:       5,
		RecordedAt:     day(2024, 1, 20),
		IdempotencyKey: "only-calls",
	})
	require.NoError(t, err)

	charges, err := f.svc.ChargesForPeriod(context.Background(), sub, "gold", day(2024, 1, 15), day(2024, 2, 15))
	require.NoError(t, err)
	require.Len(t, charges, 1)
	require.Equal(t, "api_calls", charges[0].MeterCode)
}
