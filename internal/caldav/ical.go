package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calhub/internal/models"
	"calhub/internal/provider"
)

const (
	prodID        = "-//calhub//calhub 1.0//EN"
	ridLayout     = "20060102T150405Z"
	defaultAllDay = 24 * time.Hour
)

// collectObject maps every VEVENT of one calendar resource into changes.
// The master keeps the resource path as its id; overrides are reported as
// standalone events with id "path#RECURRENCE-ID" and exclude their original
// instant from the master.
func collectObject(changes *provider.Changes, objPath, etag string, cal *ical.Calendar, loc *time.Location) error {
	var found bool
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		found = true

		ev, err := toRemoteEvent(comp, loc)
		if err != nil {
			return err
		}
		ev.ETag = etag

		ridProp := comp.Props.Get(ical.PropRecurrenceID)
		if ridProp == nil {
			ev.ExternalID = objPath
			if ev.Status == models.StatusCancelled {
				changes.Deleted = append(changes.Deleted, objPath)
				continue
			}
			changes.Events = append(changes.Events, ev)
			continue
		}

		rid, err := propTime(ridProp, loc)
		if err != nil {
			return fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		changes.AddExDate(objPath, rid)
		if ev.Status == models.StatusCancelled {
			continue
		}
		ev.ExternalID = objPath + "#" + rid.UTC().Format(ridLayout)
		ev.RRule = ""
		ev.ExDates = nil
		changes.Events = append(changes.Events, ev)
	}
	if !found {
		return fmt.Errorf("resource contains no VEVENT")
	}
	return nil
}

func toRemoteEvent(comp *ical.Component, loc *time.Location) (provider.RemoteEvent, error) {
	var ev provider.RemoteEvent

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return ev, fmt.Errorf("VEVENT without DTSTART")
	}
	ev.AllDay = isDate(startProp)
	ev.TimeZone = startProp.Params.Get(ical.ParamTimezoneID)

	start, err := propTime(startProp, loc)
	if err != nil {
		return ev, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.Start = start

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err := propTime(comp.Props.Get(ical.PropDateTimeEnd), loc)
		if err != nil {
			return ev, fmt.Errorf("invalid DTEND: %w", err)
		}
		ev.End = end
	case comp.Props.Get(ical.PropDuration) != nil:
		dur, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return ev, fmt.Errorf("invalid DURATION: %w", err)
		}
		ev.End = start.Add(dur)
	case ev.AllDay:
		ev.End = start.Add(defaultAllDay)
	default:
		ev.End = start
	}
	if ev.End.Before(ev.Start) {
		return ev, models.ErrInvalidTimeRange
	}

	ev.ICSUID = text(comp, ical.PropUID)
	ev.Title = text(comp, ical.PropSummary)
	ev.Description = text(comp, ical.PropDescription)
	ev.Location = text(comp, ical.PropLocation)
	ev.Status = models.ParseEventStatus(strings.ToUpper(text(comp, ical.PropStatus)))

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		ev.RRule = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			single := ical.NewProp(ical.PropExceptionDates)
			single.Params = prop.Params
			single.Value = strings.TrimSpace(v)
			t, err := propTime(single, loc)
			if err != nil {
				return ev, fmt.Errorf("invalid EXDATE %q: %w", v, err)
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}
	return ev, nil
}

func isDate(prop *ical.Prop) bool {
	if prop.ValueType() == ical.ValueDate {
		return true
	}
	return len(prop.Value) == len("20060102")
}

// propTime reads a DATE or DATE-TIME property. Dates are anchored at UTC
// midnight; date-times honour TZID and fall back to loc when floating.
func propTime(prop *ical.Prop, loc *time.Location) (time.Time, error) {
	if isDate(prop) {
		return time.ParseInLocation("20060102", prop.Value, time.UTC)
	}
	return prop.DateTime(loc)
}

func text(comp *ical.Component, name string) string {
	s, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return s
}

// buildCalendar renders an event as a single-VEVENT calendar object.
func buildCalendar(data provider.EventData) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, data.ICSUID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	writeEventProps(event.Component, data)
	writeRecurrence(event.Component, data.Recurrence, data.AllDay)

	cal.Children = append(cal.Children, event.Component)
	return cal
}

func writeEventProps(comp *ical.Component, data provider.EventData) {
	setOptionalText(comp, ical.PropSummary, data.Title)
	setOptionalText(comp, ical.PropDescription, data.Description)
	setOptionalText(comp, ical.PropLocation, data.Location)

	comp.Props.Del(ical.PropDuration)
	if data.AllDay {
		comp.Props.SetDate(ical.PropDateTimeStart, data.Start.UTC())
		comp.Props.SetDate(ical.PropDateTimeEnd, data.End.UTC())
	} else {
		comp.Props.SetDateTime(ical.PropDateTimeStart, data.Start.UTC())
		comp.Props.SetDateTime(ical.PropDateTimeEnd, data.End.UTC())
	}

	if data.Status != "" {
		comp.Props.SetText(ical.PropStatus, strings.ToUpper(string(data.Status)))
	}
}

func setOptionalText(comp *ical.Component, name, value string) {
	if value == "" {
		comp.Props.Del(name)
		return
	}
	comp.Props.SetText(name, value)
}

func writeRecurrence(comp *ical.Component, rec *provider.RecurrenceData, allDay bool) {
	comp.Props.Del(ical.PropRecurrenceRule)
	comp.Props.Del(ical.PropExceptionDates)
	if rec == nil || rec.RRule == "" {
		return
	}

	rule := ical.NewProp(ical.PropRecurrenceRule)
	rule.Value = strings.TrimPrefix(rec.RRule, "RRULE:")
	comp.Props.Set(rule)

	for _, d := range rec.ExDates {
		ex := ical.NewProp(ical.PropExceptionDates)
		if allDay {
			ex.SetDate(d.UTC())
		} else {
			ex.SetDateTime(d.UTC())
		}
		comp.Props.Add(ex)
	}
}

// findEvent returns the VEVENT addressed by rid, or the master when rid is
// empty.
func findEvent(cal *ical.Calendar, rid string, loc *time.Location) (*ical.Component, int) {
	for i, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		prop := comp.Props.Get(ical.PropRecurrenceID)
		if rid == "" && prop == nil {
			return comp, i
		}
		if rid != "" && prop != nil {
			t, err := propTime(prop, loc)
			if err == nil && t.UTC().Format(ridLayout) == rid {
				return comp, i
			}
		}
	}
	return nil, -1
}

// patchCalendar applies patch to the VEVENT addressed by rid.
func patchCalendar(cal *ical.Calendar, rid string, patch provider.EventPatch) error {
	comp, _ := findEvent(cal, rid, time.UTC)
	if comp == nil {
		return fmt.Errorf("no VEVENT for recurrence id %q", rid)
	}
	current, err := toRemoteEvent(comp, time.UTC)
	if err != nil {
		return err
	}

	data := provider.EventData{
		Title:       current.Title,
		Description: current.Description,
		Location:    current.Location,
		Start:       current.Start,
		End:         current.End,
		TimeZone:    current.TimeZone,
		AllDay:      current.AllDay,
		Status:      current.Status,
	}
	patch.Apply(&data)
	writeEventProps(comp, data)
	if rid == "" && patch.Recurrence != nil {
		writeRecurrence(comp, patch.Recurrence, data.AllDay)
	}
	return nil
}

// removeOverride drops the override at rid and excludes that instant from
// the master.
func removeOverride(cal *ical.Calendar, rid string) error {
	ridTime, err := time.Parse(ridLayout, rid)
	if err != nil {
		return fmt.Errorf("invalid recurrence id %q: %w", rid, err)
	}
	if _, i := findEvent(cal, rid, time.UTC); i >= 0 {
		cal.Children = append(cal.Children[:i], cal.Children[i+1:]...)
	}
	master, _ := findEvent(cal, "", time.UTC)
	if master == nil {
		return fmt.Errorf("resource has no recurring master")
	}

	allDay := false
	if start := master.Props.Get(ical.PropDateTimeStart); start != nil {
		allDay = isDate(start)
	}
	ex := ical.NewProp(ical.PropExceptionDates)
	if allDay {
		ex.SetDate(ridTime)
	} else {
		ex.SetDateTime(ridTime)
	}
	master.Props.Add(ex)
	return nil
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
