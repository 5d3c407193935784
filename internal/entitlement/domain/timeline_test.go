package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

const testSub = snowflake.ID(100)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func event(id snowflake.ID, kind BillingEventType, effective time.Time, planCode string) BillingEvent {
	return BillingEvent{
		ID:             id,
		AccountID:      1,
		SubscriptionID: testSub,
		Type:           kind,
		EffectiveDate:  effective,
		PlanCode:       planCode,
		CreatedAt:      effective,
	}
}

func TestBuildTimelineOrdersByEffectiveDate(t *testing.T) {
	// the backdated change arrived last but sorts by effective date
	events := []BillingEvent{
		event(3, BillingEventCancel, day(2024, 3, 1), ""),
		event(1, BillingEventCreate, day(2024, 1, 1), "gold"),
		event(2, BillingEventChange, day(2024, 2, 1), "silver"),
	}

	timeline := BuildTimeline(testSub, events)
	require.Len(t, timeline.Events, 3)
	require.Equal(t, BillingEventCreate, timeline.Events[0].Type)
	require.Equal(t, BillingEventChange, timeline.Events[1].Type)
	require.Equal(t, BillingEventCancel, timeline.Events[2].Type)
}

func TestBuildTimelineFiltersOtherSubscriptions(t *testing.T) {
	other := event(2, BillingEventCreate, day(2024, 1, 1), "gold")
	other.SubscriptionID = 999

	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 1), "gold"),
		other,
	})
	require.Len(t, timeline.Events, 1)
}

func TestSubscriptionIDsFirstSeenOrder(t *testing.T) {
	a := event(1, BillingEventCreate, day(2024, 1, 1), "gold")
	b := event(2, BillingEventCreate, day(2024, 1, 2), "gold")
	b.SubscriptionID = 200
	c := event(3, BillingEventCancel, day(2024, 2, 1), "")

	ids := SubscriptionIDs([]BillingEvent{a, b, c})
	require.Equal(t, []snowflake.ID{testSub, 200}, ids)
}

func TestSegmentsOpenUntilHorizon(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
	})

	segments := timeline.Segments(day(2024, 2, 1))
	require.Len(t, segments, 1)
	require.Equal(t, "gold", segments[0].PlanCode)
	require.Equal(t, 15, segments[0].BillingCycleDay)
	require.Equal(t, day(2024, 1, 15), segments[0].Start)
	require.Equal(t, day(2024, 2, 1), segments[0].End)
	require.True(t, segments[0].Open)
}

func TestSegmentsCancelCloses(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
		event(2, BillingEventCancel, day(2024, 2, 1), ""),
	})

	segments := timeline.Segments(day(2024, 3, 1))
	require.Len(t, segments, 1)
	require.Equal(t, day(2024, 1, 15), segments[0].Start)
	require.Equal(t, day(2024, 2, 1), segments[0].End)
	require.False(t, segments[0].Open)
}

func TestSegmentsPauseResume(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 1), "gold"),
		event(2, BillingEventPause, day(2024, 1, 10), ""),
		event(3, BillingEventResume, day(2024, 1, 20), ""),
	})

	segments := timeline.Segments(day(2024, 2, 1))
	require.Len(t, segments, 2)

	require.Equal(t, day(2024, 1, 1), segments[0].Start)
	require.Equal(t, day(2024, 1, 10), segments[0].End)
	require.False(t, segments[0].Open)

	// resume reopens the last plan with the original anchor
	require.Equal(t, "gold", segments[1].PlanCode)
	require.Equal(t, day(2024, 1, 1), segments[1].PlanStart)
	require.Equal(t, day(2024, 1, 20), segments[1].Start)
	require.Equal(t, day(2024, 2, 1), segments[1].End)
	require.True(t, segments[1].Open)
}

func TestSegmentsPlanChangeSplits(t *testing.T) {
	change := event(2, BillingEventChange, day(2024, 2, 1), "silver")
	change.BillingCycleDay = 1

	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
		change,
	})

	segments := timeline.Segments(day(2024, 2, 10))
	require.Len(t, segments, 2)
	require.Equal(t, "gold", segments[0].PlanCode)
	require.Equal(t, day(2024, 2, 1), segments[0].End)
	require.Equal(t, "silver", segments[1].PlanCode)
	require.Equal(t, 1, segments[1].BillingCycleDay)
	require.Equal(t, day(2024, 2, 1), segments[1].PlanStart)
}

func TestSegmentsBCDChangeKeepsPlan(t *testing.T) {
	shift := event(2, BillingEventBCDChange, day(2024, 2, 1), "")
	shift.BillingCycleDay = 1

	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
		shift,
	})

	segments := timeline.Segments(day(2024, 2, 10))
	require.Len(t, segments, 2)
	require.Equal(t, 15, segments[0].BillingCycleDay)
	require.Equal(t, "gold", segments[1].PlanCode)
	require.Equal(t, 1, segments[1].BillingCycleDay)
	// the plan anchor survives the cycle shift
	require.Equal(t, day(2024, 1, 15), segments[1].PlanStart)
}

func TestSegmentsIgnoreEventsPastHorizon(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
		event(2, BillingEventCancel, day(2024, 6, 1), ""),
	})

	segments := timeline.Segments(day(2024, 2, 1))
	require.Len(t, segments, 1)
	require.Equal(t, day(2024, 2, 1), segments[0].End)
	require.True(t, segments[0].Open)
}

func TestSegmentsResumeWithoutPlanIsNoop(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventResume, day(2024, 1, 15), ""),
	})

	require.Empty(t, timeline.Segments(day(2024, 2, 1)))
}

func TestSegmentsZeroLengthDropped(t *testing.T) {
	timeline := BuildTimeline(testSub, []BillingEvent{
		event(1, BillingEventCreate, day(2024, 1, 15), "gold"),
		event(2, BillingEventCancel, day(2024, 1, 15), ""),
	})

	require.Empty(t, timeline.Segments(day(2024, 2, 1)))
}

func TestEventValidate(t *testing.T) {
	missing := event(1, BillingEventCreate, day(2024, 1, 1), "")
	require.ErrorIs(t, missing.Validate(), ErrMissingPlanCode)

	bad := event(2, BillingEventType("DESTROY"), day(2024, 1, 1), "")
	require.ErrorIs(t, bad.Validate(), ErrInvalidEventType)

	ok := event(3, BillingEventCancel, day(2024, 1, 1), "")
	require.NoError(t, ok.Validate())
}
