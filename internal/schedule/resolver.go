// Package schedule holds the pure read-path pipeline: recurring templates
// resolve into working windows, existing bookings aggregate into blocked
// windows, and the generator turns the difference into bookable slots.
// All datastore access stays at the callers; everything here operates on
// values already in memory.
package schedule

import (
	"fmt"
	"time"

	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

// ResolveWorkingWindows projects a resource's recurring templates onto
// every local calendar day touching [from, to), converts each window
// endpoint to absolute time independently (so days that gain or lose an
// hour at a UTC-offset transition convert correctly), unions same-day
// templates, subtracts exceptions, and clips the result to the requested
// range.
func ResolveWorkingWindows(res *booking.Resource, from, to time.Time) ([]interval.Interval, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: [%s, %s)", interval.ErrInvalidInterval, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	loc, err := time.LoadLocation(res.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q for resource %s: %w", res.Timezone, res.ID, err)
	}

	var raw []interval.Interval

	localFrom := from.In(loc)
	day := time.Date(localFrom.Year(), localFrom.Month(), localFrom.Day(), 0, 0, 0, 0, loc)
	for day.Before(to) {
		for _, tpl := range res.Templates {
			if !templateCoversDay(tpl, day) {
				continue
			}
			// time.Date resolves each endpoint against the offset in
			// effect at that instant, so a window spanning a transition
			// keeps its local wall-clock bounds while its absolute
			// duration may shrink or stretch.
			start := time.Date(day.Year(), day.Month(), day.Day(), 0, tpl.StartMinute, 0, 0, loc)
			end := time.Date(day.Year(), day.Month(), day.Day(), 0, tpl.EndMinute, 0, 0, loc)
			if !end.After(start) {
				continue
			}
			raw = append(raw, interval.Interval{Start: start, End: end})
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}

	windows := interval.Intersect(interval.Union(raw), []interval.Interval{{Start: from, End: to}})

	var exceptions []interval.Interval
	for _, ex := range res.Exceptions {
		if ex.EndsAt.After(ex.StartsAt) {
			exceptions = append(exceptions, interval.Interval{Start: ex.StartsAt, End: ex.EndsAt})
		}
	}

	return interval.Subtract(windows, exceptions), nil
}

// templateCoversDay matches on local weekday and the template's effective
// date range. Effective bounds are compared against the day's local
// midnight, so a template effective "from the 3rd" applies to the whole
// of the 3rd.
func templateCoversDay(tpl booking.AvailabilityTemplate, day time.Time) bool {
	if tpl.Weekday != day.Weekday() {
		return false
	}
	if day.Before(truncateToDay(tpl.EffectiveFrom, day.Location())) {
		return false
	}
	if tpl.EffectiveTo != nil && day.After(truncateToDay(*tpl.EffectiveTo, day.Location())) {
		return false
	}
	return true
}

func truncateToDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
