package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Segment is a maximal interval during which one plan bills uninterrupted.
// End is exclusive. Open marks a segment closed at the requested horizon
// rather than by a timeline event.
type Segment struct {
	SubscriptionID  snowflake.ID
	PlanCode        string
	BillingCycleDay int
	PlanStart       time.Time
	Start           time.Time
	End             time.Time
	Open            bool
}

// Timeline is the ordered billing history of one subscription.
type Timeline struct {
	SubscriptionID snowflake.ID
	Events         []BillingEvent
}

// BuildTimeline orders events by effective date, breaking ties by creation
// order, and returns one timeline per subscription.
func BuildTimeline(subscriptionID snowflake.ID, events []BillingEvent) Timeline {
	own := make([]BillingEvent, 0, len(events))
	for _, event := range events {
		if event.SubscriptionID == subscriptionID {
			own = append(own, event)
		}
	}
	sort.SliceStable(own, func(i, j int) bool {
		if !own[i].EffectiveDate.Equal(own[j].EffectiveDate) {
			return own[i].EffectiveDate.Before(own[j].EffectiveDate)
		}
		if !own[i].CreatedAt.Equal(own[j].CreatedAt) {
			return own[i].CreatedAt.Before(own[j].CreatedAt)
		}
		return own[i].ID < own[j].ID
	})
	return Timeline{SubscriptionID: subscriptionID, Events: own}
}

// SubscriptionIDs returns the distinct subscriptions present in events,
// in first-seen order.
func SubscriptionIDs(events []BillingEvent) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(events))
	ids := make([]snowflake.ID, 0, len(events))
	for _, event := range events {
		if _, ok := seen[event.SubscriptionID]; ok {
			continue
		}
		seen[event.SubscriptionID] = struct{}{}
		ids = append(ids, event.SubscriptionID)
	}
	return ids
}

// Segments replays the event history into billable segments, closing the
// final open segment at until. Paused and cancelled stretches produce no
// segment. The switch is exhaustive over BillingEventType.
func (t Timeline) Segments(until time.Time) []Segment {
	var segments []Segment

	var open *Segment
	var lastPlan string
	var lastPlanStart time.Time
	bcd := 0

	closeOpen := func(at time.Time) {
		if open == nil {
			return
		}
		if at.After(open.Start) {
			open.End = at
			segments = append(segments, *open)
		}
		open = nil
	}

	for _, event := range t.Events {
		if event.EffectiveDate.After(until) {
			break
		}
		switch event.Type {
		case BillingEventCreate:
			closeOpen(event.EffectiveDate)
			lastPlan = event.PlanCode
			lastPlanStart = event.EffectiveDate
			if event.BillingCycleDay > 0 {
				bcd = event.BillingCycleDay
			} else {
				bcd = event.EffectiveDate.Day()
			}
			open = &Segment{
				SubscriptionID:  t.SubscriptionID,
				PlanCode:        lastPlan,
				BillingCycleDay: bcd,
				PlanStart:       lastPlanStart,
				Start:           event.EffectiveDate,
			}
		case BillingEventChange:
			closeOpen(event.EffectiveDate)
			lastPlan = event.PlanCode
			lastPlanStart = event.EffectiveDate
			if event.BillingCycleDay > 0 {
				bcd = event.BillingCycleDay
			}
			open = &Segment{
				SubscriptionID:  t.SubscriptionID,
				PlanCode:        lastPlan,
				BillingCycleDay: bcd,
				PlanStart:       lastPlanStart,
				Start:           event.EffectiveDate,
			}
		case BillingEventResume:
			closeOpen(event.EffectiveDate)
			if lastPlan == "" {
				continue
			}
			open = &Segment{
				SubscriptionID:  t.SubscriptionID,
				PlanCode:        lastPlan,
				BillingCycleDay: bcd,
				PlanStart:       lastPlanStart,
				Start:           event.EffectiveDate,
			}
		case BillingEventBCDChange:
			closeOpen(event.EffectiveDate)
			if event.BillingCycleDay > 0 {
				bcd = event.BillingCycleDay
			}
			if lastPlan == "" {
				continue
			}
			open = &Segment{
				SubscriptionID:  t.SubscriptionID,
				PlanCode:        lastPlan,
				BillingCycleDay: bcd,
				PlanStart:       lastPlanStart,
				Start:           event.EffectiveDate,
			}
		case BillingEventCancel, BillingEventPause, BillingEventExpired:
			closeOpen(event.EffectiveDate)
		}
	}

	if open != nil && until.After(open.Start) {
		open.End = until
		open.Open = true
		segments = append(segments, *open)
	}
	return segments
}
