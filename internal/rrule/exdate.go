package rrule

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParseExDateLine parses an iCalendar EXDATE content line such as
// "EXDATE;TZID=Europe/Berlin:20250108T090000,20250109T090000". Floating
// values without TZID are read in fallback. DATE values are anchored at UTC
// midnight, matching how all-day events are stored.
func ParseExDateLine(line string, fallback *time.Location) ([]time.Time, error) {
	head, values, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok || !strings.EqualFold(strings.SplitN(head, ";", 2)[0], "EXDATE") {
		return nil, fmt.Errorf("not an EXDATE line: %q", line)
	}

	loc := fallback
	if loc == nil {
		loc = time.UTC
	}
	for _, param := range strings.Split(head, ";")[1:] {
		k, v, _ := strings.Cut(param, "=")
		if strings.EqualFold(k, "TZID") {
			tz, err := time.LoadLocation(strings.Trim(v, `"`))
			if err != nil {
				return nil, fmt.Errorf("unknown TZID %q: %w", v, err)
			}
			loc = tz
		}
	}

	var out []time.Time
	for _, v := range strings.Split(values, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, err := parseICalTime(v, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// FormatExDateLine renders dates as a single EXDATE line in UTC, or as DATE
// values for all-day series. It returns "" for no dates.
func FormatExDateLine(dates []time.Time, allDay bool) string {
	if len(dates) == 0 {
		return ""
	}
	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	values := make([]string, 0, len(sorted))
	for _, d := range dedupe(sorted) {
		if allDay {
			values = append(values, d.UTC().Format("20060102"))
		} else {
			values = append(values, d.UTC().Format("20060102T150405Z"))
		}
	}
	if allDay {
		return "EXDATE;VALUE=DATE:" + strings.Join(values, ",")
	}
	return "EXDATE:" + strings.Join(values, ",")
}

func parseICalTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, time.UTC)
	}
}
