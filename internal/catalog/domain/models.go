package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	entitlementdomain "github.com/smallbiznis/tally/internal/entitlement/domain"
)

// PhaseKind distinguishes one-shot fixed charges from recurring ones.
type PhaseKind string

const (
	PhaseKindFixed     PhaseKind = "FIXED"
	PhaseKindRecurring PhaseKind = "RECURRING"
)

// Phase is one pricing phase of a plan. DurationDays of zero means the
// phase is evergreen and runs until the plan ends.
type Phase struct {
	Code                string
	Kind                PhaseKind
	DurationDays        int
	FixedPriceCents     int64
	RecurringPriceCents int64
}

// MeterPrice is a per-unit price for metered usage billed in arrears.
type MeterPrice struct {
	MeterCode    string
	PerUnitCents int64
}

// Plan is a priced offering with ordered phases.
type Plan struct {
	Code     string
	Currency string
	Period   entitlementdomain.BillingPeriod
	Phases   []Phase
	Meters   []MeterPrice
}

// RatedPeriod is one priced service period produced by the pricer.
type RatedPeriod struct {
	SubscriptionID snowflake.ID
	PlanCode       string
	PhaseCode      string
	Kind           PhaseKind
	Start          time.Time
	End            time.Time
	AmountCents    int64
	Currency       string
}

// Pricer rates a billing segment into priced service periods. Rating is a
// pure function of the segment: re-rating an overlapping corrected range
// yields identical amounts for identical sub-periods.
type Pricer interface {
	RatePeriods(ctx context.Context, segment entitlementdomain.Segment, until time.Time) ([]RatedPeriod, error)
}

var (
	ErrPlanNotFound   = errors.New("plan_not_found")
	ErrInvalidPlan    = errors.New("invalid_plan")
	ErrInvalidSegment = errors.New("invalid_segment")
)
