// Package provider defines the capability every calendar backend implements,
// along with the wire-neutral types adapters exchange with the orchestrator.
package provider

import (
	"context"
	"time"

	"calhub/internal/models"
)

// Adapter talks to one remote calendar backend on behalf of one account.
// Implementations are bound to their account at construction.
type Adapter interface {
	Kind() models.ProviderKind
	ListCalendars(ctx context.Context) ([]CalendarRef, error)
	ListEvents(ctx context.Context, cal CalendarRef, req ListRequest) (*Changes, error)
	CreateEvent(ctx context.Context, cal CalendarRef, data EventData) (*Remote, error)
	UpdateEvent(ctx context.Context, cal CalendarRef, externalID string, patch EventPatch) error
	// DeleteEvent treats an already-missing event as success.
	DeleteEvent(ctx context.Context, cal CalendarRef, externalID string) error
}

// CalendarRef addresses a remote calendar.
type CalendarRef struct {
	ExternalID string
	Name       string
	Color      string
	TimeZone   string
	ReadOnly   bool
	Primary    bool
	Hidden     bool // hidden on the provider side; imported as not visible
}

// Cursor is the incremental-sync position of a calendar.
type Cursor struct {
	SyncToken string
	CTag      string
}

// IsZero reports whether there is no position to resume from.
func (c Cursor) IsZero() bool {
	return c.SyncToken == "" && c.CTag == ""
}

// ListRequest parameterizes ListEvents.
type ListRequest struct {
	Cursor Cursor
	// Known maps external ids already stored locally to their last etag.
	// Adapters that support per-resource change detection use it to skip
	// unchanged resources.
	Known map[string]string
}

// RemoteEvent is an event as reported by a provider.
type RemoteEvent struct {
	ExternalID  string
	ICSUID      string
	ETag        string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	Status      models.EventStatus
	Color       string
	RRule       string // empty for single events
	ExDates     []time.Time
}

// Changes is the result of listing a calendar.
type Changes struct {
	Events []RemoteEvent
	// Deleted lists external ids removed since the cursor.
	Deleted []string
	// ExDates lists instants to exclude, keyed by the master's external id.
	ExDates map[string][]time.Time
	// Unchanged lists known external ids that still exist but were not
	// re-fetched.
	Unchanged []string
	// Full is set when Events plus Unchanged is the complete set of the
	// calendar's events, so anything else stored locally is gone. When
	// Window is set the listing is only complete inside it.
	Full   bool
	Window *Window
	// NotModified is set when the calendar has not changed since the cursor.
	NotModified bool
	Cursor      Cursor
	// Skipped counts remote items that could not be mapped.
	Skipped int
}

// Window bounds a time-limited full listing.
type Window struct {
	Start time.Time
	End   time.Time
}

// Covers reports whether an event spanning [start, end] overlaps the window.
func (w *Window) Covers(start, end time.Time) bool {
	return !end.Before(w.Start) && !start.After(w.End)
}

// AddExDate records an excluded instant for a recurring master.
func (c *Changes) AddExDate(masterID string, t time.Time) {
	if c.ExDates == nil {
		c.ExDates = make(map[string][]time.Time)
	}
	c.ExDates[masterID] = append(c.ExDates[masterID], t.UTC())
}

// Remote identifies an event created upstream.
type Remote struct {
	ExternalID string
	ICSUID     string
	ETag       string
}

// RecurrenceData is the recurrence of an event pushed upstream.
type RecurrenceData struct {
	RRule   string
	ExDates []time.Time
}

// EventData is a complete event pushed upstream.
type EventData struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	Status      models.EventStatus
	ICSUID      string
	Recurrence  *RecurrenceData
}

// EventPatch is a partial update; nil fields are left untouched.
type EventPatch struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	TimeZone    *string
	AllDay      *bool
	Status      *models.EventStatus
	Recurrence  *RecurrenceData
}

// EventDataFrom builds the upstream representation of a local event.
func EventDataFrom(ev *models.Event, rec *models.Recurrence) EventData {
	data := EventData{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		TimeZone:    ev.TimeZone,
		AllDay:      ev.AllDay,
		Status:      ev.Status,
		ICSUID:      ev.ICSUID,
	}
	if rec != nil {
		data.Recurrence = &RecurrenceData{RRule: rec.RRule, ExDates: rec.ExDates}
	}
	return data
}

// Apply merges the patch into data.
func (p EventPatch) Apply(data *EventData) {
	if p.Title != nil {
		data.Title = *p.Title
	}
	if p.Description != nil {
		data.Description = *p.Description
	}
	if p.Location != nil {
		data.Location = *p.Location
	}
	if p.Start != nil {
		data.Start = *p.Start
	}
	if p.End != nil {
		data.End = *p.End
	}
	if p.TimeZone != nil {
		data.TimeZone = *p.TimeZone
	}
	if p.AllDay != nil {
		data.AllDay = *p.AllDay
	}
	if p.Status != nil {
		data.Status = *p.Status
	}
	if p.Recurrence != nil {
		data.Recurrence = p.Recurrence
	}
}
