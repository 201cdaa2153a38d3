package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

var _ cron.Schedule = (*Schedule)(nil)

// Schedule adapts a Spec to cron.Schedule so a robfig/cron runner can fire
// it. Next returns strictly later instants; the zero time means never.
type Schedule struct {
	Spec     Spec
	Timezone string
	Window   Window

	// Last reports the last scheduled run. Optional.
	Last func() time.Time
}

func (s *Schedule) Next(t time.Time) time.Time {
	var last time.Time
	if s.Last != nil {
		last = s.Last()
	}
	next, ok := NextFireWithin(s.Spec, s.Timezone, s.Window, t.Add(time.Nanosecond), last)
	if !ok {
		return time.Time{}
	}
	return next
}

// Preview lists up to n upcoming fire times starting at from. Each fire is
// fed back as the last scheduled run, the way a live trigger would see it.
func Preview(spec Spec, tz string, from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	var last time.Time
	sched := &Schedule{Spec: spec, Timezone: tz, Last: func() time.Time { return last }}
	out := make([]time.Time, 0, n)
	// The first fire may coincide with from.
	t := from.Add(-time.Nanosecond)
	for len(out) < n {
		next := sched.Next(t)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		last, t = next, next
	}
	return out
}
