package recurrence

import (
	"slices"
	"time"
)

const (
	// nthWeekdayScanDays bounds the search for combinations that may never
	// occur, such as a 5th Friday restricted to February.
	nthWeekdayScanDays = 730
	// absoluteDayScanDays covers a leap-day rule (Feb 29) from any start.
	absoluteDayScanDays = 1470
)

// NextFire resolves the first fire instant >= now. last is the last
// scheduled (not manual) run; zero means none. The result is expressed in
// now's location. ok is false when the spec never fires again.
func NextFire(spec Spec, now, last time.Time) (time.Time, bool) {
	return NextFireIn(spec, "", now, last)
}

// NextFireIn is NextFire with a timezone override (the owning task's zone).
func NextFireIn(spec Spec, tz string, now, last time.Time) (time.Time, bool) {
	loc, err := spec.Location(tz)
	if err != nil {
		return time.Time{}, false
	}
	ref := now.Location()
	n := now.In(loc)
	var l time.Time
	if !last.IsZero() {
		l = last.In(loc)
	}

	var (
		t  time.Time
		ok bool
	)
	switch spec.Kind {
	case KindAt:
		t, ok = nextAt(spec, n)
	case KindEveryDay:
		t, ok = nextDaily(spec, n, l)
	case KindEveryWeek:
		t, ok = nextWeekly(spec, n)
	case KindEveryHour:
		t, ok = nextHourly(spec, n)
	case KindEveryMonth:
		t, ok = nextMonthly(spec, n)
	}
	if !ok || t.Before(n) {
		return time.Time{}, false
	}
	return t.In(ref), true
}

// IsSatisfied reports whether a previously resolved fire instant has been
// reached at the given time.
func IsSatisfied(fire, at time.Time) bool {
	return !fire.IsZero() && !at.Before(fire)
}

// Window bounds fire times to a task's start/end dates. Zero values are
// open ends.
type Window struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Ended reports whether the window closed before t.
func (w Window) Ended(t time.Time) bool {
	return !w.NotAfter.IsZero() && t.After(w.NotAfter)
}

// NextFireWithin clips the search start to NotBefore and drops results
// past NotAfter.
func NextFireWithin(spec Spec, tz string, w Window, now, last time.Time) (time.Time, bool) {
	from := now
	if !w.NotBefore.IsZero() && from.Before(w.NotBefore) {
		from = w.NotBefore.In(now.Location())
	}
	t, ok := NextFireIn(spec, tz, from, last)
	if !ok || w.Ended(t) {
		return time.Time{}, false
	}
	return t, true
}

func nextAt(s Spec, n time.Time) (time.Time, bool) {
	if s.At.Before(n) {
		return time.Time{}, false
	}
	return s.At.In(n.Location()), true
}

func nextDaily(s Spec, n, last time.Time) (time.Time, bool) {
	loc := n.Location()
	cand := s.Start.On(n.Year(), n.Month(), n.Day(), loc)

	switch {
	case s.WeekdaysOnly:
		for cand.Before(n) || isWeekend(cand.Weekday()) {
			cand = s.Start.On(cand.Year(), cand.Month(), cand.Day()+1, loc)
		}
	case s.Interval > 1 && !last.IsZero():
		cand = s.Start.On(last.Year(), last.Month(), last.Day()+s.Interval, loc)
		for cand.Before(n) {
			cand = s.Start.On(cand.Year(), cand.Month(), cand.Day()+s.Interval, loc)
		}
	default:
		step := max(1, s.Interval)
		for cand.Before(n) {
			cand = s.Start.On(cand.Year(), cand.Month(), cand.Day()+step, loc)
		}
	}
	return cand, true
}

// nextWeekly does not look at the last scheduled run; interval cycles are
// counted from the current week (weeks start on Sunday).
func nextWeekly(s Spec, n time.Time) (time.Time, bool) {
	days := sortedWeekdays(s.Weekdays)
	if len(days) == 0 {
		return time.Time{}, false
	}
	loc := n.Location()
	today := int(n.Weekday())
	for _, wd := range days {
		if int(wd) < today {
			continue
		}
		cand := s.Start.On(n.Year(), n.Month(), n.Day()+int(wd)-today, loc)
		if !cand.Before(n) {
			return cand, true
		}
	}
	ahead := 7 - today + int(days[0])
	if s.Interval > 1 {
		ahead += 7 * (s.Interval - 1)
	}
	return s.Start.On(n.Year(), n.Month(), n.Day()+ahead, loc), true
}

func nextHourly(s Spec, n time.Time) (time.Time, bool) {
	step := s.step()
	if step <= 0 {
		return time.Time{}, false
	}
	loc := n.Location()
	// Start a day early: a window crossing midnight may still be open.
	for d := -1; d <= 8; d++ {
		y, m, dd := n.Year(), n.Month(), n.Day()+d
		if !weekdayAllowed(s.Weekdays, time.Date(y, m, dd, 12, 0, 0, 0, loc).Weekday()) {
			continue
		}
		start := s.Start.On(y, m, dd, loc)
		switch end := s.hourlyEnd(y, m, dd, loc); {
		case end.Equal(start):
			if !start.Before(n) {
				return start, true
			}
		default:
			for slot := start; slot.Before(end); slot = slot.Add(step) {
				if !slot.Before(n) {
					return slot, true
				}
			}
		}
	}
	return time.Time{}, false
}

// hourlyEnd: zero End is end of day, End before Start crosses midnight,
// End equal to Start is a single slot.
func (s Spec) hourlyEnd(y int, m time.Month, d int, loc *time.Location) time.Time {
	switch {
	case s.End.IsZero():
		return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	case s.End.Before(s.Start):
		return s.End.On(y, m, d+1, loc)
	default:
		return s.End.On(y, m, d, loc)
	}
}

func nextMonthly(s Spec, n time.Time) (time.Time, bool) {
	loc := n.Location()
	limit := absoluteDayScanDays
	if s.Ordinal > 0 {
		limit = nthWeekdayScanDays
	}
	for i := 0; i <= limit; i++ {
		date := time.Date(n.Year(), n.Month(), n.Day()+i, 0, 0, 0, 0, loc)
		if len(s.Months) > 0 && !slices.Contains(s.Months, date.Month()) {
			continue
		}
		if s.Ordinal > 0 {
			day := date.Day()
			if date.Weekday() != s.Weekday || day <= 7*(s.Ordinal-1) || day > 7*s.Ordinal {
				continue
			}
		} else if date.Day() != resolveDay(s.Day, date) {
			continue
		}
		cand := s.Start.On(date.Year(), date.Month(), date.Day(), loc)
		if !cand.Before(n) {
			return cand, true
		}
	}
	return time.Time{}, false
}

// resolveDay maps a negative day (-1 = last) onto date's month.
func resolveDay(day int, date time.Time) int {
	if day > 0 {
		return day
	}
	return daysIn(date.Year(), date.Month()) + day + 1
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isWeekend(wd time.Weekday) bool { return wd == time.Saturday || wd == time.Sunday }

func weekdayAllowed(allowed []time.Weekday, wd time.Weekday) bool {
	return len(allowed) == 0 || slices.Contains(allowed, wd)
}

func sortedWeekdays(in []time.Weekday) []time.Weekday {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
