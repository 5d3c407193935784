package tree

import (
	"sort"
	"time"
)

// interval is a half-open [start, end) service period.
type interval struct {
	start time.Time
	end   time.Time
}

func (iv interval) empty() bool { return !iv.end.After(iv.start) }

func (iv interval) days() int64 {
	return int64(iv.end.Sub(iv.start) / (24 * time.Hour))
}

func intersect(a, b interval) interval {
	out := interval{start: maxTime(a.start, b.start), end: minTime(a.end, b.end)}
	if out.empty() {
		return interval{}
	}
	return out
}

// coalesce merges overlapping and adjacent intervals into the minimal
// covering set, sorted by start.
func coalesce(ivs []interval) []interval {
	kept := make([]interval, 0, len(ivs))
	for _, iv := range ivs {
		if !iv.empty() {
			kept = append(kept, iv)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start.Before(kept[j].start) })

	out := []interval{kept[0]}
	for _, iv := range kept[1:] {
		last := &out[len(out)-1]
		if !iv.start.After(last.end) {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// subtract removes the union of subtrahends from each minuend.
func subtract(minuends []interval, subtrahends []interval) []interval {
	covering := coalesce(subtrahends)
	var out []interval
	for _, iv := range minuends {
		out = append(out, subtractOne(iv, covering)...)
	}
	return coalesce(out)
}

func subtractOne(iv interval, covering []interval) []interval {
	var out []interval
	cursor := iv.start
	for _, cover := range covering {
		if !cover.end.After(cursor) {
			continue
		}
		if !cover.start.Before(iv.end) {
			break
		}
		if cover.start.After(cursor) {
			out = append(out, interval{start: cursor, end: minTime(cover.start, iv.end)})
		}
		cursor = maxTime(cursor, cover.end)
		if !cursor.Before(iv.end) {
			return out
		}
	}
	if cursor.Before(iv.end) {
		out = append(out, interval{start: cursor, end: iv.end})
	}
	return out
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
