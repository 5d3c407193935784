package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthlyPlan() catalogdomain.Plan {
	return catalogdomain.Plan{
		Code:     "gold",
		Currency: "USD",
		Period:   entitlementdomain.BillingPeriodMonthly,
		Phases: []catalogdomain.Phase{
			{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 2999},
		},
	}
}

func trialPlan() catalogdomain.Plan {
	return catalogdomain.Plan{
		Code:     "trial-gold",
		Currency: "USD",
		Period:   entitlementdomain.BillingPeriodMonthly,
		Phases: []catalogdomain.Phase{
			{Code: "trial", Kind: catalogdomain.PhaseKindFixed, DurationDays: 14, FixedPriceCents: 100},
			{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 2999},
		},
	}
}

func annualPlan() catalogdomain.Plan {
	return catalogdomain.Plan{
		Code:     "gold-annual",
		Currency: "USD",
		Period:   entitlementdomain.BillingPeriodAnnual,
		Phases: []catalogdomain.Phase{
			{Code: "evergreen", Kind: catalogdomain.PhaseKindRecurring, RecurringPriceCents: 29900},
		},
	}
}

func newPricer(t *testing.T) catalogdomain.Pricer {
	t.Helper()
	return NewStatic(zap.NewNop(), monthlyPlan(), trialPlan(), annualPlan())
}

func segment(planCode string, planStart, start, end time.Time, open bool) entitlementdomain.Segment {
	return entitlementdomain.Segment{
		SubscriptionID: 100,
		PlanCode:       planCode,
		PlanStart:      planStart,
		Start:          start,
		End:            end,
		Open:           open,
	}
}

func TestRateFullPeriod(t *testing.T) {
	pricer := newPricer(t)

	periods, err := pricer.RatePeriods(context.Background(),
		segment("gold", day(2024, 1, 15), day(2024, 1, 15), day(2024, 2, 15), false),
		day(2024, 2, 16))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, day(2024, 1, 15), periods[0].Start)
	require.Equal(t, day(2024, 2, 15), periods[0].End)
	require.Equal(t, int64(2999), periods[0].AmountCents)
	require.Equal(t, "USD", periods[0].Currency)
}

func TestRateProratesEarlyClose(t *testing.T) {
	pricer := newPricer(t)

	// 17 of 31 days: 29.99 * 17/31 rounds half-up to 16.45
	periods, err := pricer.RatePeriods(context.Background(),
		segment("gold", day(2024, 1, 15), day(2024, 1, 15), day(2024, 2, 1), false),
		day(2024, 2, 2))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, day(2024, 1, 15), periods[0].Start)
	require.Equal(t, day(2024, 2, 1), periods[0].End)
	require.Equal(t, int64(1645), periods[0].AmountCents)
}

func TestRateOpenSegmentBillsPeriodInAdvance(t *testing.T) {
	pricer := newPricer(t)

	periods, err := pricer.RatePeriods(context.Background(),
		segment("gold", day(2024, 1, 15), day(2024, 1, 15), day(2024, 1, 16), true),
		day(2024, 1, 16))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, day(2024, 1, 15), periods[0].Start)
	require.Equal(t, day(2024, 2, 15), periods[0].End)
	require.Equal(t, int64(2999), periods[0].AmountCents)
}

func TestRateClampsCycleDayToMonthEnd(t *testing.T) {
	pricer := newPricer(t)

	seg := segment("gold", day(2024, 1, 31), day(2024, 1, 31), day(2024, 3, 31), false)
	seg.BillingCycleDay = 31

	periods, err := pricer.RatePeriods(context.Background(), seg, day(2024, 4, 1))
	require.NoError(t, err)
	require.Len(t, periods, 2)

	// 2024 is a leap year, so day 31 lands on Feb 29
	require.Equal(t, day(2024, 1, 31), periods[0].Start)
	require.Equal(t, day(2024, 2, 29), periods[0].End)
	require.Equal(t, int64(2999), periods[0].AmountCents)

	require.Equal(t, day(2024, 2, 29), periods[1].Start)
	require.Equal(t, day(2024, 3, 31), periods[1].End)
	require.Equal(t, int64(2999), periods[1].AmountCents)
}

func TestRateTrialPhaseBillsThroughBoundary(t *testing.T) {
	pricer := newPricer(t)

	periods, err := pricer.RatePeriods(context.Background(),
		segment("trial-gold", day(2024, 1, 1), day(2024, 1, 1), day(2024, 1, 2), true),
		day(2024, 1, 2))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, catalogdomain.PhaseKindFixed, periods[0].Kind)
	require.Equal(t, "trial", periods[0].PhaseCode)
	require.Equal(t, day(2024, 1, 1), periods[0].Start)
	require.Equal(t, day(2024, 1, 15), periods[0].End)
	require.Equal(t, int64(100), periods[0].AmountCents)
}

func TestRateTrialRollsIntoRecurring(t *testing.T) {
	pricer := newPricer(t)

	periods, err := pricer.RatePeriods(context.Background(),
		segment("trial-gold", day(2024, 1, 1), day(2024, 1, 1), day(2024, 1, 16), true),
		day(2024, 1, 16))
	require.NoError(t, err)
	require.Len(t, periods, 2)

	require.Equal(t, "trial", periods[0].PhaseCode)

	// the recurring phase starts mid cycle and prorates against the
	// anchored period before billing in advance
	require.Equal(t, "evergreen", periods[1].PhaseCode)
	require.Equal(t, day(2024, 1, 15), periods[1].Start)
	require.Equal(t, day(2024, 2, 1), periods[1].End)
	require.Equal(t, int64(1645), periods[1].AmountCents)
}

func TestRateAnnualPeriod(t *testing.T) {
	pricer := newPricer(t)

	seg := segment("gold-annual", day(2023, 3, 10), day(2023, 3, 10), day(2023, 3, 11), true)
	seg.BillingCycleDay = 10

	periods, err := pricer.RatePeriods(context.Background(), seg, day(2023, 3, 11))
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, day(2023, 3, 10), periods[0].Start)
	require.Equal(t, day(2024, 3, 10), periods[0].End)
	require.Equal(t, int64(29900), periods[0].AmountCents)
}

func TestRateUnknownPlan(t *testing.T) {
	pricer := newPricer(t)

	_, err := pricer.RatePeriods(context.Background(),
		segment("platinum", day(2024, 1, 1), day(2024, 1, 1), day(2024, 2, 1), false),
		day(2024, 2, 2))
	require.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)
}

func TestRateInvalidSegment(t *testing.T) {
	pricer := newPricer(t)

	_, err := pricer.RatePeriods(context.Background(),
		segment("gold", day(2024, 1, 15), day(2024, 1, 15), day(2024, 1, 15), false),
		day(2024, 2, 1))
	require.ErrorIs(t, err, catalogdomain.ErrInvalidSegment)
}
