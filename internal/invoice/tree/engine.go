package tree

import (
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"

	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/money"
)

// Result carries the items an invoicing pass should append for one
// subscription. Items have no IDs yet; the aggregator assigns them.
type Result struct {
	Repairs  []invoicedomain.InvoiceItem
	NewItems []invoicedomain.InvoiceItem
}

// Empty reports a pass with no net change.
func (r Result) Empty() bool { return len(r.Repairs) == 0 && len(r.NewItems) == 0 }

type planPhase struct {
	plan  string
	phase string
}

// BuildItems reconciles the existing item ledger of one subscription with
// the freshly rated timeline. It emits REPAIR_ADJ items for existing
// coverage the corrected timeline no longer supports, bounded by each
// item's remaining unadjusted amount, and new charge items for rated
// periods not already covered. Existing items are taken as given facts:
// fragmented or overlapping historical data is tolerated, only its
// intersection with the corrected timeline is repaired.
func BuildItems(
	subscriptionID snowflake.ID,
	existing []invoicedomain.InvoiceItem,
	proposed []catalogdomain.RatedPeriod,
	currency string,
) (Result, error) {
	charges, adjustmentsByItem, repairsByItem := partition(existing, subscriptionID)

	// Identical service periods repair in creation order.
	sort.SliceStable(charges, func(i, j int) bool {
		if !charges[i].StartDate.Equal(charges[j].StartDate) {
			return charges[i].StartDate.Before(charges[j].StartDate)
		}
		if !charges[i].CreatedAt.Equal(charges[j].CreatedAt) {
			return charges[i].CreatedAt.Before(charges[j].CreatedAt)
		}
		return charges[i].ID < charges[j].ID
	})

	proposedByKey := make(map[planPhase][]catalogdomain.RatedPeriod)
	for _, period := range proposed {
		if period.SubscriptionID != subscriptionID {
			continue
		}
		key := planPhase{plan: period.PlanCode, phase: period.PhaseCode}
		proposedByKey[key] = append(proposedByKey[key], period)
	}

	var result Result
	survivors := make(map[planPhase][]interval)

	for _, item := range charges {
		remaining := item.AmountCents
		for _, adj := range adjustmentsByItem[item.ID] {
			remaining += adj.AmountCents
		}
		if remaining < 0 {
			return Result{}, fmt.Errorf("%w: item %s over-adjusted by %d",
				invoicedomain.ErrTooManyRepairs, item.ID, -remaining)
		}

		key := planPhase{plan: item.PlanCode, phase: item.PhaseCode}
		effective := effectiveIntervals(item, repairsByItem[item.ID])
		proposedCover := intervalsOf(proposedByKey[key])

		var conflicts []interval
		if item.Type == invoicedomain.ItemTypeFixed {
			// one-shot charges repair whole: any lost coverage reverses the item
			uncovered := subtract(effective, proposedCover)
			if len(uncovered) > 0 {
				conflicts = effective
			}
		} else {
			conflicts = subtract(effective, proposedCover)
		}

		for _, conflict := range conflicts {
			repairCents, err := repairAmount(item, conflict, remaining, currency)
			if err != nil {
				return Result{}, err
			}
			remaining -= repairCents
			result.Repairs = append(result.Repairs, invoicedomain.InvoiceItem{
				AccountID:      item.AccountID,
				SubscriptionID: subscriptionID,
				LinkedItemID:   ptr(item.ID),
				Type:           invoicedomain.ItemTypeRepairAdj,
				PlanCode:       item.PlanCode,
				PhaseCode:      item.PhaseCode,
				StartDate:      conflict.start,
				EndDate:        conflict.end,
				AmountCents:    -repairCents,
				Currency:       currency,
				Description:    "repair of retroactively amended period",
			})
		}

		for _, kept := range subtract(effective, conflicts) {
			survivors[key] = append(survivors[key], kept)
		}
	}

	for key, periods := range proposedByKey {
		covered := coalesce(survivors[key])
		for _, period := range periods {
			full := interval{start: period.Start, end: period.End}
			for _, gap := range subtractOne(full, covered) {
				if period.Kind == catalogdomain.PhaseKindFixed &&
					!(gap.start.Equal(full.start) && gap.end.Equal(full.end)) {
					// one-shot charges are either wholly present or wholly new
					continue
				}
				amount, err := gapAmount(period, full, gap, currency)
				if err != nil {
					return Result{}, err
				}
				result.NewItems = append(result.NewItems, invoicedomain.InvoiceItem{
					SubscriptionID: subscriptionID,
					Type:           itemTypeFor(period.Kind),
					PlanCode:       period.PlanCode,
					PhaseCode:      period.PhaseCode,
					StartDate:      gap.start,
					EndDate:        gap.end,
					AmountCents:    amount,
					Currency:       currency,
				})
			}
		}
	}

	sort.SliceStable(result.NewItems, func(i, j int) bool {
		return result.NewItems[i].StartDate.Before(result.NewItems[j].StartDate)
	})
	return result, nil
}

// partition splits the subscription's ledger into charge items and the
// adjustments linked to each of them.
func partition(
	items []invoicedomain.InvoiceItem,
	subscriptionID snowflake.ID,
) ([]invoicedomain.InvoiceItem, map[snowflake.ID][]invoicedomain.InvoiceItem, map[snowflake.ID][]invoicedomain.InvoiceItem) {
	var charges []invoicedomain.InvoiceItem
	adjustments := make(map[snowflake.ID][]invoicedomain.InvoiceItem)
	repairs := make(map[snowflake.ID][]invoicedomain.InvoiceItem)
	for _, item := range items {
		if item.SubscriptionID != subscriptionID {
			continue
		}
		switch {
		case item.Type == invoicedomain.ItemTypeFixed || item.Type == invoicedomain.ItemTypeRecurring:
			charges = append(charges, item)
		case item.Type.IsAdjustment() && item.LinkedItemID != nil:
			adjustments[*item.LinkedItemID] = append(adjustments[*item.LinkedItemID], item)
			if item.Type == invoicedomain.ItemTypeRepairAdj {
				repairs[*item.LinkedItemID] = append(repairs[*item.LinkedItemID], item)
			}
		}
	}
	return charges, adjustments, repairs
}

// effectiveIntervals is the item's service period minus coverage already
// reversed by prior repairs.
func effectiveIntervals(item invoicedomain.InvoiceItem, priorRepairs []invoicedomain.InvoiceItem) []interval {
	base := interval{start: item.StartDate, end: item.EndDate}
	repaired := make([]interval, 0, len(priorRepairs))
	for _, repair := range priorRepairs {
		repaired = append(repaired, interval{start: repair.StartDate, end: repair.EndDate})
	}
	return subtract([]interval{base}, repaired)
}

// repairAmount prorates the item amount over the conflicting portion and
// bounds it by the remaining unadjusted amount. A fully adjusted item
// repairs at zero; the zero-amount item is still emitted as audit trail.
func repairAmount(item invoicedomain.InvoiceItem, conflict interval, remaining int64, currency string) (int64, error) {
	if remaining == 0 {
		return 0, nil
	}
	if item.Type == invoicedomain.ItemTypeFixed {
		return remaining, nil
	}
	itemDays := interval{start: item.StartDate, end: item.EndDate}.days()
	if itemDays <= 0 {
		return remaining, nil
	}
	prorated, err := money.Prorate(item.AmountCents, conflict.days(), itemDays, currency)
	if err != nil {
		return 0, err
	}
	if prorated > remaining {
		prorated = remaining
	}
	return prorated, nil
}

// gapAmount prorates a rated period's amount onto an uncovered sub-interval.
func gapAmount(period catalogdomain.RatedPeriod, full, gap interval, currency string) (int64, error) {
	if period.Kind == catalogdomain.PhaseKindFixed {
		return period.AmountCents, nil
	}
	if gap.days() >= full.days() {
		return period.AmountCents, nil
	}
	return money.Prorate(period.AmountCents, gap.days(), full.days(), currency)
}

func intervalsOf(periods []catalogdomain.RatedPeriod) []interval {
	out := make([]interval, 0, len(periods))
	for _, period := range periods {
		out = append(out, interval{start: period.Start, end: period.End})
	}
	return out
}

func itemTypeFor(kind catalogdomain.PhaseKind) invoicedomain.ItemType {
	if kind == catalogdomain.PhaseKindFixed {
		return invoicedomain.ItemTypeFixed
	}
	return invoicedomain.ItemTypeRecurring
}

func ptr(id snowflake.ID) *snowflake.ID { return &id }
