package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"calhub/internal/models"
	"calhub/internal/rrule"
	"calhub/internal/store"
)

// ExpandOccurrences materializes the instances of ev overlapping [from, to].
// A single event yields itself when it overlaps. A rule that does not parse
// degrades to the seed event alone.
func (s *Syncer) ExpandOccurrences(ev *models.Event, rec *models.Recurrence, from, to time.Time) []models.Occurrence {
	if rec == nil || rec.RRule == "" {
		return seedOccurrence(ev, from, to)
	}
	rule, err := rrule.Parse(rec.RRule)
	if err != nil {
		s.logger.Warn("Unparseable recurrence rule, showing first instance only",
			"eventID", ev.ID, "rrule", rec.RRule, "error", err)
		return seedOccurrence(ev, from, to)
	}

	loc := ev.Loc()
	if ev.AllDay {
		loc = time.UTC
	}
	dur := ev.Duration()
	// Instances starting before the window may still overlap it.
	starts := rrule.Expand(rule, ev.Start.In(loc), rec.ExDates, from.Add(-dur), to, rrule.DefaultMaxOccurrences)

	out := make([]models.Occurrence, 0, len(starts))
	for _, start := range starts {
		end := start.Add(dur)
		if end.Before(from) {
			continue
		}
		out = append(out, occurrence(ev, start, end))
	}
	return out
}

func seedOccurrence(ev *models.Event, from, to time.Time) []models.Occurrence {
	if ev.End.Before(from) || ev.Start.After(to) {
		return nil
	}
	return []models.Occurrence{occurrence(ev, ev.Start, ev.End)}
}

func occurrence(ev *models.Event, start, end time.Time) models.Occurrence {
	return models.Occurrence{
		EventID:     ev.ID,
		CalendarID:  ev.CalendarID,
		Title:       ev.Title,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start.UTC(),
		End:         end.UTC(),
		InstanceKey: start.UTC().Format(time.RFC3339),
	}
}

// EventOccurrences expands one stored event over [from, to].
func (s *Syncer) EventOccurrences(ctx context.Context, eventID string, from, to time.Time) ([]models.Occurrence, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end is before its start", ErrInvalidInput)
	}
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	rec, err := s.recurrenceOf(ctx, ev)
	if err != nil {
		return nil, err
	}
	return s.ExpandOccurrences(ev, rec, from, to), nil
}

// Occurrences returns the unified view over [from, to]: every instance of
// every stored event, skipping cancelled events and linked duplicates, in
// start order.
func (s *Syncer) Occurrences(ctx context.Context, from, to time.Time) ([]models.Occurrence, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end is before its start", ErrInvalidInput)
	}
	events, err := s.store.ListEventsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var out []models.Occurrence
	for _, ev := range events {
		if ev.Status == models.StatusCancelled || ev.LinkedEventID != "" {
			continue
		}
		rec, err := s.recurrenceOf(ctx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, s.ExpandOccurrences(ev, rec, from, to)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Syncer) recurrenceOf(ctx context.Context, ev *models.Event) (*models.Recurrence, error) {
	if !ev.IsRecurring {
		return nil, nil
	}
	rec, err := s.store.GetRecurrence(ctx, ev.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
