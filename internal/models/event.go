package models

import (
	"errors"
	"time"
)

// EventStatus is the scheduling status of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// ParseEventStatus maps a provider status string onto an EventStatus.
// Unknown values are treated as confirmed.
func ParseEventStatus(s string) EventStatus {
	switch EventStatus(s) {
	case StatusTentative, "TENTATIVE":
		return StatusTentative
	case StatusCancelled, "CANCELLED":
		return StatusCancelled
	default:
		return StatusConfirmed
	}
}

// ErrInvalidTimeRange is returned when an event ends before it starts.
var ErrInvalidTimeRange = errors.New("event end is before its start")

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID            string      // Local identifier
	CalendarID    string      // Owning local calendar
	Title         string      // Summary or title of the event
	Description   string      // Detailed description of the event
	Location      string      // Location of the event
	Start         time.Time   // Start instant
	End           time.Time   // End instant
	TimeZone      string      // IANA zone the event was authored in
	AllDay        bool        // All-day events span whole dates in TimeZone
	Status        EventStatus // confirmed, tentative or cancelled
	Color         string      // Optional color override
	ExternalID    string      // Provider-native id, empty for local-only events
	ICSUID        string      // The iCalendar UID, used across CalDAV-family providers
	ETag          string      // CalDAV resource tag of the last imported version
	IsRecurring   bool        // True when a Recurrence row exists
	LinkedEventID string      // Original event this row duplicates, set by the link policy
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the event invariants.
func (e *Event) Validate() error {
	if e.End.Before(e.Start) {
		return ErrInvalidTimeRange
	}
	return nil
}

// Duration returns the length of the event.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Loc returns the event's time zone, falling back to UTC.
func (e *Event) Loc() *time.Location {
	if e.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Recurrence is the recurrence rule attached to a recurring event.
type Recurrence struct {
	EventID string
	RRule   string
	Until   *time.Time // derived from RRule
	Count   *int       // derived from RRule
	ExDates []time.Time
}

// HasExDate reports whether t is already excluded.
func (r *Recurrence) HasExDate(t time.Time) bool {
	for _, d := range r.ExDates {
		if d.Equal(t) {
			return true
		}
	}
	return false
}

// AddExDate appends t to the excluded instants unless it is already present.
// It reports whether the set changed.
func (r *Recurrence) AddExDate(t time.Time) bool {
	if r.HasExDate(t) {
		return false
	}
	r.ExDates = append(r.ExDates, t.UTC())
	return true
}

// Occurrence is one materialized instance of an event.
type Occurrence struct {
	EventID     string
	CalendarID  string
	Title       string
	Location    string
	AllDay      bool
	Start       time.Time
	End         time.Time
	InstanceKey string
}
