package recurrence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind selects the recurrence variant.
type Kind string

const (
	KindAt         Kind = "at"
	KindEveryDay   Kind = "every_day"
	KindEveryWeek  Kind = "every_week"
	KindEveryHour  Kind = "every_hour"
	KindEveryMonth Kind = "every_month"
)

var (
	ErrUnknownKind = errors.New("unknown recurrence kind")
	ErrInvalid     = errors.New("invalid recurrence")
)

// Spec describes when a task fires. Which fields matter depends on Kind:
//
//	at           At
//	every_day    Start, WeekdaysOnly, Interval (days)
//	every_week   Start, Weekdays, Interval (weeks)
//	every_hour   Start, End, Every (hours, fractional), Weekdays (empty = all)
//	every_month  Start, Months (empty = all) and either Day (negative counts
//	             from month end) or Ordinal + Weekday ("2nd Tuesday")
//
// Clock fields are interpreted in Timezone (or the task override).
type Spec struct {
	Kind         Kind           `json:"kind"`
	At           time.Time      `json:"at,omitempty"`
	Start        Clock          `json:"start,omitempty"`
	End          Clock          `json:"end,omitempty"`
	Every        float64        `json:"every,omitempty"`
	Interval     int            `json:"interval,omitempty"`
	WeekdaysOnly bool           `json:"weekdays_only,omitempty"`
	Weekdays     []time.Weekday `json:"weekdays,omitempty"`
	Day          int            `json:"day,omitempty"`
	Months       []time.Month   `json:"months,omitempty"`
	Ordinal      int            `json:"ordinal,omitempty"`
	Weekday      time.Weekday   `json:"weekday,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`

	// TimeRange names the balancing window this spec belongs to. Empty means
	// the start time is fixed and the balancer must not move it.
	TimeRange string `json:"time_range,omitempty"`
}

// Parse decodes a JSON spec strictly and validates it.
func Parse(data []byte) (Spec, error) {
	var s Spec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Spec{}, fmt.Errorf("decode recurrence: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("%w: at requires an instant", ErrInvalid)
		}
	case KindEveryDay:
		if s.Interval < 0 {
			return fmt.Errorf("%w: interval must be >= 0", ErrInvalid)
		}
	case KindEveryWeek:
		if len(s.Weekdays) == 0 {
			return fmt.Errorf("%w: every_week requires weekdays", ErrInvalid)
		}
		if s.Interval < 0 {
			return fmt.Errorf("%w: interval must be >= 0", ErrInvalid)
		}
	case KindEveryHour:
		if s.Every <= 0 {
			return fmt.Errorf("%w: every_hour requires every > 0", ErrInvalid)
		}
		if s.step() < time.Minute {
			return fmt.Errorf("%w: every_hour step below one minute", ErrInvalid)
		}
	case KindEveryMonth:
		if s.Ordinal < 0 {
			return fmt.Errorf("%w: ordinal must be >= 0", ErrInvalid)
		}
		if s.Ordinal == 0 && (s.Day == 0 || s.Day > 31 || s.Day < -31) {
			return fmt.Errorf("%w: day must be in [-31,-1] or [1,31]", ErrInvalid)
		}
		for _, m := range s.Months {
			if m < time.January || m > time.December {
				return fmt.Errorf("%w: month %d", ErrInvalid, m)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	for _, wd := range append(slices.Clone(s.Weekdays), s.Weekday) {
		if wd < time.Sunday || wd > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalid, wd)
		}
	}
	if err := s.Start.validate(); err != nil {
		return err
	}
	if err := s.End.validate(); err != nil {
		return err
	}
	if _, err := LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalid, s.Timezone, err)
	}
	return nil
}

// Fixed reports whether the start time is pinned (not range-bound).
func (s Spec) Fixed() bool { return strings.TrimSpace(s.TimeRange) == "" }

// HasClock reports whether Start is meaningful for the kind, i.e. the spec
// fires at a time of day the balancer can reason about.
func (s Spec) HasClock() bool {
	switch s.Kind {
	case KindEveryDay, KindEveryWeek, KindEveryMonth:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	s.Weekdays = slices.Clone(s.Weekdays)
	s.Months = slices.Clone(s.Months)
	return s
}

func (s Spec) step() time.Duration {
	return time.Duration(s.Every * float64(time.Hour)).Round(time.Second)
}

// Location resolves the effective timezone: override first, then the
// spec's own zone, then time.Local.
func (s Spec) Location(override string) (*time.Location, error) {
	if tz := strings.TrimSpace(override); tz != "" {
		return LoadLocation(tz)
	}
	return LoadLocation(s.Timezone)
}

var locCache sync.Map // string -> *time.Location

// LoadLocation is time.LoadLocation with a process-wide cache. Empty maps
// to time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	if v, ok := locCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locCache.Store(name, loc)
	return loc, nil
}

// Clock is a wall-clock time of day. JSON form is "HH:MM" or "HH:MM:SS".
type Clock struct {
	Hour   int
	Minute int
	Second int
}

func NewClock(h, m, s int) Clock { return Clock{Hour: h, Minute: m, Second: s} }

// ClockOf returns t's wall-clock time in its own location.
func ClockOf(t time.Time) Clock { return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()} }

// ClockFromMinutes wraps m into a day (negative and >= 1440 allowed).
func ClockFromMinutes(m int) Clock {
	m = ((m % 1440) + 1440) % 1440
	return Clock{Hour: m / 60, Minute: m % 60}
}

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("%w: time %q, expected HH:MM[:SS]", ErrInvalid, s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("%w: time %q", ErrInvalid, s)
		}
		v[i] = n
	}
	c := Clock{Hour: v[0], Minute: v[1], Second: v[2]}
	if err := c.validate(); err != nil {
		return Clock{}, err
	}
	return c, nil
}

func (c Clock) validate() error {
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return fmt.Errorf("%w: time %02d:%02d:%02d", ErrInvalid, c.Hour, c.Minute, c.Second)
	}
	return nil
}

func (c Clock) IsZero() bool { return c == Clock{} }

// Minutes returns minutes since midnight, ignoring seconds.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

// Before compares two clocks within a day.
func (c Clock) Before(o Clock) bool { return c.seconds() < o.seconds() }

// On places the clock on a calendar day. Day overflow is normalized.
func (c Clock) On(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, c.Hour, c.Minute, c.Second, 0, loc)
}

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*c = Clock{}
		return nil
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
