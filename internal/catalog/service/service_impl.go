package service

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
	"github.com/smallbiznis/tally/internal/money"
)

// Service is a static in-memory pricer: plans are registered at
// construction and rated without I/O.
type Service struct {
	log   *zap.Logger
	plans map[string]catalogdomain.Plan
}

type Params struct {
	fx.In

	Log   *zap.Logger
	Plans []catalogdomain.Plan `optional:"true"`
}

func NewService(p Params) catalogdomain.Pricer {
	plans := make(map[string]catalogdomain.Plan, len(p.Plans))
	for _, plan := range p.Plans {
		plans[plan.Code] = plan
	}
	return &Service{
		log:   p.Log.Named("catalog.service"),
		plans: plans,
	}
}

// NewStatic builds a pricer outside the fx graph, for tests and embedding.
func NewStatic(log *zap.Logger, plans ...catalogdomain.Plan) catalogdomain.Pricer {
	return NewService(Params{Log: log, Plans: plans})
}

func (s *Service) RatePeriods(
	ctx context.Context,
	segment entitlementdomain.Segment,
	until time.Time,
) ([]catalogdomain.RatedPeriod, error) {
	if segment.SubscriptionID == 0 || !segment.End.After(segment.Start) {
		return nil, catalogdomain.ErrInvalidSegment
	}
	plan, ok := s.plans[segment.PlanCode]
	if !ok {
		return nil, catalogdomain.ErrPlanNotFound
	}
	if len(plan.Phases) == 0 {
		return nil, catalogdomain.ErrInvalidPlan
	}

	var periods []catalogdomain.RatedPeriod
	phaseStart := segment.PlanStart
	for i, phase := range plan.Phases {
		phaseEnd := until
		if phase.DurationDays > 0 {
			phaseEnd = phaseStart.AddDate(0, 0, phase.DurationDays)
		} else if i != len(plan.Phases)-1 {
			return nil, catalogdomain.ErrInvalidPlan
		}

		visibleStart := maxTime(phaseStart, segment.Start)
		visibleEnd := minTime(phaseEnd, segment.End)
		if visibleEnd.After(visibleStart) && phaseStart.Before(segment.End) {
			switch phase.Kind {
			case catalogdomain.PhaseKindFixed:
				fixedEnd := visibleEnd
				if segment.Open && phase.DurationDays > 0 {
					// fixed phases bill in advance through the phase boundary
					fixedEnd = phaseEnd
				}
				periods = append(periods, catalogdomain.RatedPeriod{
					SubscriptionID: segment.SubscriptionID,
					PlanCode:       plan.Code,
					PhaseCode:      phase.Code,
					Kind:           catalogdomain.PhaseKindFixed,
					Start:          visibleStart,
					End:            fixedEnd,
					AmountCents:    phase.FixedPriceCents,
					Currency:       plan.Currency,
				})
			case catalogdomain.PhaseKindRecurring:
				recurring, err := s.rateRecurring(plan, phase, segment, visibleStart, visibleEnd)
				if err != nil {
					return nil, err
				}
				periods = append(periods, recurring...)
			default:
				return nil, catalogdomain.ErrInvalidPlan
			}
		}

		phaseStart = phaseEnd
		if !phaseStart.Before(segment.End) {
			break
		}
	}

	return periods, nil
}

// rateRecurring slices [visibleStart, visibleEnd) into billing periods
// anchored on the segment's billing cycle day and prorates partial ones.
// An open segment bills its final period in advance through the period
// boundary instead of prorating at the horizon.
func (s *Service) rateRecurring(
	plan catalogdomain.Plan,
	phase catalogdomain.Phase,
	segment entitlementdomain.Segment,
	visibleStart, visibleEnd time.Time,
) ([]catalogdomain.RatedPeriod, error) {
	bcd := segment.BillingCycleDay
	if bcd <= 0 {
		bcd = segment.PlanStart.Day()
	}

	var out []catalogdomain.RatedPeriod
	periodStart := boundaryOnOrBefore(visibleStart, bcd, plan.Period, segment.PlanStart)
	for periodStart.Before(visibleEnd) {
		periodEnd := nextBoundary(periodStart, bcd, plan.Period)

		billedStart := maxTime(periodStart, visibleStart)
		billedEnd := minTime(periodEnd, visibleEnd)
		if segment.Open && visibleEnd.Equal(segment.End) && billedEnd.Equal(visibleEnd) {
			billedEnd = periodEnd
		}
		if billedEnd.After(billedStart) {
			amount, err := proratedAmount(phase.RecurringPriceCents, periodStart, periodEnd, billedStart, billedEnd, plan.Currency)
			if err != nil {
				return nil, err
			}
			out = append(out, catalogdomain.RatedPeriod{
				SubscriptionID: segment.SubscriptionID,
				PlanCode:       plan.Code,
				PhaseCode:      phase.Code,
				Kind:           catalogdomain.PhaseKindRecurring,
				Start:          billedStart,
				End:            billedEnd,
				AmountCents:    amount,
				Currency:       plan.Currency,
			})
		}

		periodStart = periodEnd
	}
	return out, nil
}

func proratedAmount(rateCents int64, periodStart, periodEnd, billedStart, billedEnd time.Time, currency string) (int64, error) {
	periodDays := daysBetween(periodStart, periodEnd)
	billedDays := daysBetween(billedStart, billedEnd)
	if billedDays >= periodDays {
		return rateCents, nil
	}
	return money.Prorate(rateCents, billedDays, periodDays, currency)
}

func daysBetween(start, end time.Time) int64 {
	return int64(end.Sub(start) / (24 * time.Hour))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}

func dateWithCycleDay(year int, month time.Month, bcd int) time.Time {
	day := bcd
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func boundaryOnOrBefore(t time.Time, bcd int, period entitlementdomain.BillingPeriod, anchor time.Time) time.Time {
	switch period {
	case entitlementdomain.BillingPeriodAnnual:
		candidate := dateWithCycleDay(t.Year(), anchor.Month(), bcd)
		if candidate.After(t) {
			candidate = dateWithCycleDay(t.Year()-1, anchor.Month(), bcd)
		}
		return candidate
	default:
		candidate := dateWithCycleDay(t.Year(), t.Month(), bcd)
		if candidate.After(t) {
			year, month := prevYearMonth(t.Year(), t.Month())
			candidate = dateWithCycleDay(year, month, bcd)
		}
		return candidate
	}
}

func nextBoundary(boundary time.Time, bcd int, period entitlementdomain.BillingPeriod) time.Time {
	switch period {
	case entitlementdomain.BillingPeriodAnnual:
		return dateWithCycleDay(boundary.Year()+1, boundary.Month(), bcd)
	default:
		year, month := nextYearMonth(boundary.Year(), boundary.Month())
		return dateWithCycleDay(year, month, bcd)
	}
}

func prevYearMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func nextYearMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
