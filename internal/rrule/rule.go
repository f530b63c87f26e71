// Package rrule parses RFC 5545 recurrence rules and expands them into
// bounded sets of occurrence instants.
package rrule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the base repetition period of a rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Weekday is a BYDAY token. Ordinal is the signed "nth weekday of the period"
// prefix (0 when absent).
type Weekday struct {
	Day     time.Weekday
	Ordinal int
}

// Rule is a parsed recurrence rule.
type Rule struct {
	Freq       Frequency
	Interval   int
	Count      int       // 0 when unbounded
	Until      time.Time // zero when unbounded, inclusive
	ByDay      []Weekday
	ByMonth    []int
	ByMonthDay []int
	BySetPos   []int
	WeekStart  *time.Weekday
}

// ParseError describes a rule that could not be parsed.
type ParseError struct {
	Rule   string
	Key    string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("rrule: %s in %q", e.Reason, e.Rule)
	}
	return fmt.Sprintf("rrule: invalid %s=%q: %s", e.Key, e.Value, e.Reason)
}

var dayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var dayNames = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// Parse parses a recurrence string such as "FREQ=WEEKLY;BYDAY=MO,WE,FR".
// An optional "RRULE:" prefix is accepted. Unknown keys are skipped; a
// malformed value of a known key is a *ParseError.
func Parse(s string) (*Rule, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if raw == "" {
		return nil, &ParseError{Rule: s, Reason: "empty rule"}
	}

	rule := &Rule{Freq: Weekly, Interval: 1}
	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		fail := func(reason string) error {
			return &ParseError{Rule: s, Key: key, Value: value, Reason: reason}
		}

		switch key {
		case "FREQ":
			switch f := Frequency(strings.ToUpper(value)); f {
			case Daily, Weekly, Monthly, Yearly:
				rule.Freq = f
			default:
				return nil, fail("unsupported frequency")
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fail("must be a positive integer")
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fail("must be a positive integer")
			}
			rule.Count = n
		case "UNTIL":
			t, err := parseUntil(value)
			if err != nil {
				return nil, fail(err.Error())
			}
			rule.Until = t
		case "BYDAY":
			days, err := parseByDay(value)
			if err != nil {
				return nil, fail(err.Error())
			}
			rule.ByDay = days
		case "BYMONTH":
			months, err := parseInts(value, 1, 12, false)
			if err != nil {
				return nil, fail(err.Error())
			}
			rule.ByMonth = months
		case "BYMONTHDAY":
			days, err := parseInts(value, 1, 31, true)
			if err != nil {
				return nil, fail(err.Error())
			}
			rule.ByMonthDay = days
		case "BYSETPOS":
			pos, err := parseInts(value, 1, 366, true)
			if err != nil {
				return nil, fail(err.Error())
			}
			rule.BySetPos = pos
		case "WKST":
			d, ok := dayCodes[strings.ToUpper(value)]
			if !ok {
				return nil, fail("unknown weekday")
			}
			rule.WeekStart = &d
		}
	}
	return rule, nil
}

// String renders the rule in canonical RRULE form, without the "RRULE:" prefix.
func (r *Rule) String() string {
	parts := []string{"FREQ=" + string(r.Freq)}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(r.Count))
	}
	if !r.Until.IsZero() {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
	}
	if len(r.ByDay) > 0 {
		tokens := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			tokens[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(tokens, ","))
	}
	if len(r.ByMonth) > 0 {
		parts = append(parts, "BYMONTH="+joinInts(r.ByMonth))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.BySetPos) > 0 {
		parts = append(parts, "BYSETPOS="+joinInts(r.BySetPos))
	}
	if r.WeekStart != nil {
		parts = append(parts, "WKST="+dayNames[*r.WeekStart])
	}
	return strings.Join(parts, ";")
}

// String renders the BYDAY token, including its ordinal.
func (w Weekday) String() string {
	if w.Ordinal == 0 {
		return dayNames[w.Day]
	}
	return strconv.Itoa(w.Ordinal) + dayNames[w.Day]
}

func parseUntil(value string) (time.Time, error) {
	layouts := []string{"20060102T150405Z", "20060102T150405", "20060102"}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

func parseByDay(value string) ([]Weekday, error) {
	var days []Weekday
	for _, token := range strings.Split(value, ",") {
		token = strings.ToUpper(strings.TrimSpace(token))
		if len(token) < 2 {
			return nil, fmt.Errorf("bad weekday token %q", token)
		}
		// Strip the ordinal before looking up the weekday code.
		code := token[len(token)-2:]
		day, ok := dayCodes[code]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", code)
		}
		w := Weekday{Day: day}
		if prefix := token[:len(token)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n < -53 || n > 53 {
				return nil, fmt.Errorf("bad ordinal %q", prefix)
			}
			w.Ordinal = n
		}
		days = append(days, w)
	}
	return days, nil
}

func parseInts(value string, lo, hi int, allowNegative bool) ([]int, error) {
	var out []int
	for _, token := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", token)
		}
		abs := n
		if allowNegative && n < 0 {
			abs = -n
		}
		if abs < lo || abs > hi {
			return nil, fmt.Errorf("%d out of range", n)
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(values []int) string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}
