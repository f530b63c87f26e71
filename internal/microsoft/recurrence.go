package microsoft

import (
	"fmt"
	"strings"
	"time"

	"calhub/internal/rrule"
)

type recurrence struct {
	Pattern recurrencePattern `json:"pattern"`
	Range   recurrenceRange   `json:"range"`
}

type recurrencePattern struct {
	Type           string   `json:"type"`
	Interval       int      `json:"interval"`
	Month          int      `json:"month,omitempty"`
	DayOfMonth     int      `json:"dayOfMonth,omitempty"`
	DaysOfWeek     []string `json:"daysOfWeek,omitempty"`
	FirstDayOfWeek string   `json:"firstDayOfWeek,omitempty"`
	Index          string   `json:"index,omitempty"`
}

type recurrenceRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
	RecurrenceTimeZone  string `json:"recurrenceTimeZone,omitempty"`
}

const dateLayout = "2006-01-02"

var graphDays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var graphIndexes = map[string]int{
	"first":  1,
	"second": 2,
	"third":  3,
	"fourth": 4,
	"last":   -1,
}

func dayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

func indexName(ordinal int) (string, bool) {
	for name, n := range graphIndexes {
		if n == ordinal {
			return name, true
		}
	}
	return "", false
}

// toRRule converts a Graph recurrence into an RRULE string. Relative
// patterns keep their index as a BYDAY ordinal.
func toRRule(rec *recurrence) (string, error) {
	p := rec.Pattern
	rule := &rrule.Rule{Interval: max(p.Interval, 1)}

	days := make([]rrule.Weekday, 0, len(p.DaysOfWeek))
	ordinal := 0
	if p.Index != "" {
		n, ok := graphIndexes[strings.ToLower(p.Index)]
		if !ok {
			return "", fmt.Errorf("unknown recurrence index %q", p.Index)
		}
		ordinal = n
	}
	for _, name := range p.DaysOfWeek {
		d, ok := graphDays[strings.ToLower(name)]
		if !ok {
			return "", fmt.Errorf("unknown day of week %q", name)
		}
		days = append(days, rrule.Weekday{Day: d})
	}

	switch p.Type {
	case "daily":
		rule.Freq = rrule.Daily
	case "weekly":
		rule.Freq = rrule.Weekly
		rule.ByDay = days
		if p.FirstDayOfWeek != "" {
			if d, ok := graphDays[strings.ToLower(p.FirstDayOfWeek)]; ok && d != time.Monday {
				rule.WeekStart = &d
			}
		}
	case "absoluteMonthly":
		rule.Freq = rrule.Monthly
		rule.ByMonthDay = []int{p.DayOfMonth}
	case "relativeMonthly":
		rule.Freq = rrule.Monthly
		rule.ByDay = withOrdinal(days, ordinal)
	case "absoluteYearly":
		rule.Freq = rrule.Yearly
		rule.ByMonth = []int{p.Month}
		rule.ByMonthDay = []int{p.DayOfMonth}
	case "relativeYearly":
		rule.Freq = rrule.Yearly
		rule.ByMonth = []int{p.Month}
		rule.ByDay = withOrdinal(days, ordinal)
	default:
		return "", fmt.Errorf("unsupported recurrence pattern %q", p.Type)
	}

	switch rec.Range.Type {
	case "numbered":
		rule.Count = rec.Range.NumberOfOccurrences
	case "endDate":
		end, err := time.Parse(dateLayout, rec.Range.EndDate)
		if err != nil {
			return "", fmt.Errorf("invalid recurrence end date: %w", err)
		}
		// The end date is inclusive of the whole day.
		rule.Until = end.Add(24*time.Hour - time.Second)
	}
	return rule.String(), nil
}

func withOrdinal(days []rrule.Weekday, ordinal int) []rrule.Weekday {
	for i := range days {
		days[i].Ordinal = ordinal
	}
	return days
}

// fromRRule converts an RRULE into a Graph recurrence anchored at start.
func fromRRule(s string, start time.Time, timeZone string) (*recurrence, error) {
	rule, err := rrule.Parse(s)
	if err != nil {
		return nil, err
	}

	rec := &recurrence{
		Pattern: recurrencePattern{Interval: rule.Interval},
		Range: recurrenceRange{
			Type:               "noEnd",
			StartDate:          start.UTC().Format(dateLayout),
			RecurrenceTimeZone: timeZone,
		},
	}
	if rec.Range.RecurrenceTimeZone == "" {
		rec.Range.RecurrenceTimeZone = "UTC"
	}

	ordinal := 0
	for _, d := range rule.ByDay {
		rec.Pattern.DaysOfWeek = append(rec.Pattern.DaysOfWeek, dayName(d.Day))
		if d.Ordinal != 0 {
			if ordinal != 0 && ordinal != d.Ordinal {
				return nil, fmt.Errorf("mixed BYDAY ordinals are not supported")
			}
			ordinal = d.Ordinal
		}
	}
	if len(rule.ByMonthDay) > 1 || len(rule.ByMonth) > 1 {
		return nil, fmt.Errorf("multiple BYMONTHDAY or BYMONTH values are not supported")
	}
	if len(rule.BySetPos) > 0 {
		return nil, fmt.Errorf("BYSETPOS is not supported")
	}

	switch rule.Freq {
	case rrule.Daily:
		rec.Pattern.Type = "daily"
	case rrule.Weekly:
		rec.Pattern.Type = "weekly"
		if len(rec.Pattern.DaysOfWeek) == 0 {
			rec.Pattern.DaysOfWeek = []string{dayName(start.UTC().Weekday())}
		}
		rec.Pattern.FirstDayOfWeek = "monday"
		if rule.WeekStart != nil {
			rec.Pattern.FirstDayOfWeek = dayName(*rule.WeekStart)
		}
	case rrule.Monthly, rrule.Yearly:
		relative := len(rule.ByDay) > 0
		if relative {
			if ordinal == 0 {
				return nil, fmt.Errorf("relative pattern requires a BYDAY ordinal")
			}
			name, ok := indexName(ordinal)
			if !ok {
				return nil, fmt.Errorf("BYDAY ordinal %d is not supported", ordinal)
			}
			rec.Pattern.Index = name
		} else {
			rec.Pattern.DayOfMonth = start.UTC().Day()
			if len(rule.ByMonthDay) == 1 {
				rec.Pattern.DayOfMonth = rule.ByMonthDay[0]
			}
		}
		if rule.Freq == rrule.Monthly {
			rec.Pattern.Type = "absoluteMonthly"
			if relative {
				rec.Pattern.Type = "relativeMonthly"
			}
			break
		}
		rec.Pattern.Month = int(start.UTC().Month())
		if len(rule.ByMonth) == 1 {
			rec.Pattern.Month = rule.ByMonth[0]
		}
		rec.Pattern.Type = "absoluteYearly"
		if relative {
			rec.Pattern.Type = "relativeYearly"
		}
	}

	switch {
	case rule.Count > 0:
		rec.Range.Type = "numbered"
		rec.Range.NumberOfOccurrences = rule.Count
	case !rule.Until.IsZero():
		rec.Range.Type = "endDate"
		rec.Range.EndDate = rule.Until.UTC().Format(dateLayout)
	}
	return rec, nil
}
