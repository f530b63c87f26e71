package rrule

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultMaxOccurrences caps a single expansion. It is a resource guard: an
// unbounded rule over a wide window must not be able to exhaust memory.
const DefaultMaxOccurrences = 365

var freqs = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// indexed by time.Weekday
var weekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Expand returns the instants of rule seeded at seed that fall inside
// [windowStart, windowEnd] (both inclusive), minus exDates. COUNT and UNTIL
// bound the whole series, not just the window. At most maxOccurrences
// instants are returned; a value <= 0 means DefaultMaxOccurrences. The result
// is sorted ascending and free of duplicates. Instants are in seed's location.
func Expand(rule *Rule, seed time.Time, exDates []time.Time, windowStart, windowEnd time.Time, maxOccurrences int) []time.Time {
	if rule == nil || windowEnd.Before(windowStart) {
		return nil
	}
	if !rule.Until.IsZero() && rule.Until.Before(windowStart) {
		return nil
	}
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	r, err := rule.build(seed)
	if err != nil {
		return nil
	}

	excluded := make(map[int64]struct{}, len(exDates))
	for _, d := range exDates {
		excluded[d.UTC().UnixNano()] = struct{}{}
	}

	var out []time.Time
	next := r.Iterator()
	for len(out) < maxOccurrences {
		t, ok := next()
		if !ok || t.After(windowEnd) {
			break
		}
		if t.Before(windowStart) {
			continue
		}
		if _, skip := excluded[t.UTC().UnixNano()]; skip {
			continue
		}
		out = append(out, t)
	}

	// The iterator is already ordered; this keeps the contract explicit.
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return dedupe(out)
}

func (r *Rule) build(seed time.Time) (*rrule.RRule, error) {
	freq, ok := freqs[r.Freq]
	if !ok {
		return nil, fmt.Errorf("rrule: unsupported frequency %q", r.Freq)
	}
	opt := rrule.ROption{
		Freq:       freq,
		Dtstart:    seed,
		Interval:   r.Interval,
		Count:      r.Count,
		Until:      r.Until,
		Bymonth:    r.ByMonth,
		Bymonthday: r.ByMonthDay,
		Bysetpos:   r.BySetPos,
	}
	if opt.Interval < 1 {
		opt.Interval = 1
	}
	if r.WeekStart != nil {
		opt.Wkst = weekdays[*r.WeekStart]
	}
	// Ordinals are dropped: "2MO" expands like "MO".
	for _, d := range r.ByDay {
		opt.Byweekday = append(opt.Byweekday, weekdays[d.Day])
	}
	return rrule.NewRRule(opt)
}

func dedupe(ts []time.Time) []time.Time {
	if len(ts) < 2 {
		return ts
	}
	out := ts[:1]
	for _, t := range ts[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
