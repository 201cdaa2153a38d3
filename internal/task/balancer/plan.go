package balancer

import (
	"slices"

	"jobmesh/internal/recurrence"
)

const (
	grid    = 5
	minutes = 1440
)

// Window is a time-of-day range. Start after End wraps past midnight;
// equal ends cover the whole day.
type Window struct {
	Start recurrence.Clock
	End   recurrence.Clock
}

// Item is one recurrence condition competing for a slot. Fixed items keep
// their Clock and only occupy slots.
type Item struct {
	TaskID      string
	ConditionID string
	Clock       recurrence.Clock
	Fixed       bool
}

type Assignment struct {
	TaskID      string           `json:"task_id"`
	ConditionID string           `json:"condition_id"`
	Clock       recurrence.Clock `json:"clock"`
	Level       int              `json:"level"`
	Slot        int              `json:"slot"`
}

// Plan is the outcome of one balancing pass.
type Plan struct {
	Assignments []Assignment     `json:"assignments"`
	Levels      int              `json:"levels"`
	SlotMinutes int              `json:"slot_minutes"`
	Slots       int              `json:"slots"`
	Start       recurrence.Clock `json:"start"`

	// Overflow is set when more levels than the ceiling were needed.
	Overflow bool `json:"overflow,omitempty"`
	// Deferred counts items whose bisection slot was taken by a fixed item.
	Deferred int `json:"deferred,omitempty"`
}

// Compute spreads the movable items over w so that at most ceiling of
// them share a slot wherever capacity allows. now shifts the window start
// forward when it falls inside the window, so this cycle skips nobody.
func Compute(w Window, ceiling int, items []Item, now recurrence.Clock) Plan {
	var movable, fixed []Item
	for _, it := range items {
		if it.Fixed {
			fixed = append(fixed, it)
		} else {
			movable = append(movable, it)
		}
	}
	n := len(movable)
	if n == 0 {
		return Plan{}
	}
	if ceiling < 1 {
		ceiling = 1
	}

	start := roundUp(w.Start.Minutes()) % minutes
	span := wrapSpan(start, roundDown(w.End.Minutes()))
	nowMin := now.Minutes()
	if now.Second > 0 {
		nowMin++
	}
	if offset(start, nowMin) < span {
		shifted := roundUp(nowMin) % minutes
		if d := offset(start, shifted); d < span {
			start, span = shifted, span-d
		}
	}

	k := ceiling
	for l := 1; l <= ceiling; l++ {
		if span*l >= grid*n {
			k = l
			break
		}
	}
	slot := span * k / n
	if slot >= grid {
		slot -= slot % grid
	}
	slot = max(slot, 1)
	slots := max(span/slot, 1)

	b := &board{slots: slots, pinned: make([]bool, slots)}
	free := slots
	for _, it := range fixed {
		off := offset(start, it.Clock.Minutes())
		if off >= span || off/slot >= slots {
			continue
		}
		s := off / slot
		b.occupy(s)
		if !b.pinned[s] {
			b.pinned[s] = true
			free--
		}
	}
	if free == 0 {
		// Nothing left to spread over; stack on the fixed slots.
		b.pinned, free = nil, slots
	}

	required := (n + free - 1) / free
	p := Plan{SlotMinutes: slot, Slots: slots, Start: recurrence.ClockFromMinutes(start), Overflow: required > ceiling}
	assign := func(it Item, level, s int) {
		b.set(level, s)
		p.Assignments = append(p.Assignments, Assignment{
			TaskID:      it.TaskID,
			ConditionID: it.ConditionID,
			Clock:       recurrence.ClockFromMinutes(start + s*slot),
			Level:       level,
			Slot:        s,
		})
	}

	next := 0
	for level := 0; level < required-1; level++ {
		for s := 0; s < slots && next < n; s++ {
			if !b.occupied(level, s) {
				assign(movable[next], level, s)
				next++
			}
		}
	}

	rest := movable[next:]
	last := required - 1
	var deferred []int
	var place func(tlo, thi, slo, shi int)
	place = func(tlo, thi, slo, shi int) {
		if tlo > thi {
			return
		}
		if slo > shi {
			for i := tlo; i <= thi; i++ {
				deferred = append(deferred, i)
			}
			return
		}
		tm, sm := (tlo+thi)/2, (slo+shi)/2
		s := sm
		for s <= shi && b.occupied(last, s) {
			s++
		}
		if s > shi {
			deferred = append(deferred, tm)
			s = sm
		} else {
			assign(rest[tm], last, s)
		}
		place(tlo, tm-1, slo, sm-1)
		place(tm+1, thi, s+1, shi)
	}
	place(0, len(rest)-1, 0, slots-1)

	slices.Sort(deferred)
	p.Deferred = len(deferred)
	for _, i := range deferred {
		level, s := b.firstOpen(last)
		assign(rest[i], level, s)
	}

	p.Levels = b.used()
	if p.Levels > ceiling {
		p.Overflow = true
	}
	return p
}

// board keeps one occupancy bitmap per concurrency level. A pinned slot
// holds a fixed item and is occupied on every level.
type board struct {
	slots  int
	levels [][]bool
	pinned []bool
}

func (b *board) grow(level int) {
	for len(b.levels) <= level {
		b.levels = append(b.levels, make([]bool, b.slots))
	}
}

func (b *board) isSet(level, s int) bool {
	return level < len(b.levels) && b.levels[level][s]
}

func (b *board) occupied(level, s int) bool {
	return b.isSet(level, s) || (b.pinned != nil && b.pinned[s])
}

func (b *board) set(level, s int) {
	b.grow(level)
	b.levels[level][s] = true
}

// occupy marks s on the lowest level that does not hold it yet.
func (b *board) occupy(s int) {
	level := 0
	for b.isSet(level, s) {
		level++
	}
	b.set(level, s)
}

func (b *board) firstOpen(from int) (int, int) {
	for level := from; ; level++ {
		for s := 0; s < b.slots; s++ {
			if !b.occupied(level, s) {
				return level, s
			}
		}
	}
}

func (b *board) used() int {
	n := 0
	for _, l := range b.levels {
		if slices.Contains(l, true) {
			n++
		}
	}
	return n
}

func roundUp(m int) int   { return (m + grid - 1) / grid * grid }
func roundDown(m int) int { return m / grid * grid }

// offset is the forward distance in minutes from start to m.
func offset(start, m int) int { return ((m-start)%minutes + minutes) % minutes }

func wrapSpan(start, end int) int {
	if d := offset(start, end%minutes); d > 0 {
		return d
	}
	return minutes
}
