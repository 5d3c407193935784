package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
)

const (
	demoAccountKey  = "demo"
	demoAccountName = "Demo Account"
	demoCurrency    = "USD"
	demoPlanCode    = "standard-monthly"
)

// DefaultPlans is the built-in catalog used until plans come from an
// external source. Prices are in cents.
func DefaultPlans() []catalogdomain.Plan {
	return []catalogdomain.Plan{
		{
			Code:     demoPlanCode,
			Currency: demoCurrency,
			Period:   entitlementdomain.BillingPeriodMonthly,
			Phases: []catalogdomain.Phase{
				{Code: "trial", Kind: catalogdomain.PhaseKindFixed, DurationDays: 14, FixedPriceCents: 0},
				{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 2900},
			},
			Meters: []catalogdomain.MeterPrice{
				{MeterCode: "api_calls", PerUnitCents: 2},
			},
		},
		{
			Code:     "standard-annual",
			Currency: demoCurrency,
			Period:   entitlementdomain.BillingPeriodAnnual,
			Phases: []catalogdomain.Phase{
				{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 29900},
			},
		},
	}
}

// EnsureDemoAccount seeds a demo account with an active subscription so a
// fresh install has something to invoice. Existing accounts are left
// untouched.
func EnsureDemoAccount(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account accountdomain.Account
		err := tx.WithContext(ctx).Where("external_key = ?", demoAccountKey).First(&account).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		account = accountdomain.Account{
			ID:          node.Generate(),
			ExternalKey: demoAccountKey,
			Name:        demoAccountName,
			Currency:    demoCurrency,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
			return err
		}

		event := entitlementdomain.BillingEvent{
			ID:             node.Generate(),
			AccountID:      account.ID,
			SubscriptionID: node.Generate(),
			Type:           entitlementdomain.BillingEventCreate,
			EffectiveDate:  now.Truncate(24 * time.Hour),
			PlanCode:       demoPlanCode,
			CreatedAt:      now,
		}
		return tx.WithContext(ctx).Create(&event).Error
	})
}
