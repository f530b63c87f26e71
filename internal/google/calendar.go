package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/rrule"
)

const (
	// Full listings cover this window around now.
	fullSyncLookback  = 6 * 30 * 24 * time.Hour
	fullSyncLookahead = 365 * 24 * time.Hour

	pageSize = 250
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	now     func() time.Time
}

var _ provider.Adapter = (*CalendarClient)(nil)

// NewClient creates a new Google Calendar client on top of an authenticated
// HTTP client. Extra options are passed to the Calendar service (tests point
// it at a local endpoint).
func NewClient(ctx context.Context, logger *slog.Logger, httpClient *http.Client, opts ...option.ClientOption) (*CalendarClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, now: time.Now}, nil
}

// Kind implements provider.Adapter.
func (c *CalendarClient) Kind() models.ProviderKind {
	return models.ProviderGoogle
}

// ListCalendars returns every calendar in the account's calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]provider.CalendarRef, error) {
	var refs []provider.CalendarRef
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			name := item.Summary
			if item.SummaryOverride != "" {
				name = item.SummaryOverride
			}
			refs = append(refs, provider.CalendarRef{
				ExternalID: item.Id,
				Name:       name,
				Color:      item.BackgroundColor,
				TimeZone:   item.TimeZone,
				ReadOnly:   item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
				Primary:    item.Primary,
				Hidden:     item.Hidden,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classify("list calendars", err)
	}
	c.logger.Debug("Discovered Google calendars", "count", len(refs))
	return refs, nil
}

// ListEvents lists the calendar incrementally from req.Cursor.SyncToken, or
// in full when there is no token. An expired token falls back to a full
// listing that mints a new one.
func (c *CalendarClient) ListEvents(ctx context.Context, cal provider.CalendarRef, req provider.ListRequest) (*provider.Changes, error) {
	if token := req.Cursor.SyncToken; token != "" {
		changes, err := c.listEvents(ctx, cal, token)
		if !errors.Is(err, provider.ErrSyncTokenInvalidated) {
			return changes, err
		}
		c.logger.Warn("Sync token is no longer valid, performing full sync", "calendarID", cal.ExternalID)
	}
	return c.listEvents(ctx, cal, "")
}

func (c *CalendarClient) listEvents(ctx context.Context, cal provider.CalendarRef, syncToken string) (*provider.Changes, error) {
	c.logger.Debug("Fetching events", "calendarID", cal.ExternalID, "incremental", syncToken != "")

	call := c.service.Events.List(cal.ExternalID).
		SingleEvents(false).
		ShowDeleted(true).
		MaxResults(pageSize)

	changes := &provider.Changes{}
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	} else {
		now := c.now().UTC()
		window := &provider.Window{Start: now.Add(-fullSyncLookback), End: now.Add(fullSyncLookahead)}
		call = call.TimeMin(window.Start.Format(time.RFC3339)).TimeMax(window.End.Format(time.RFC3339))
		changes.Full = true
		changes.Window = window
	}

	loc := loadLocation(cal.TimeZone)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			c.collect(changes, item, loc)
		}
		if page.NextSyncToken != "" {
			changes.Cursor.SyncToken = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar",
		"count", len(changes.Events), "deleted", len(changes.Deleted), "calendarID", cal.ExternalID)
	return changes, nil
}

// collect folds one listed item into changes.
func (c *CalendarClient) collect(changes *provider.Changes, item *calendar.Event, loc *time.Location) {
	cancelled := item.Status == "cancelled"

	// Instances of a recurring series: cancelled ones become exdates on the
	// master, modified ones become standalone events plus an exdate.
	if item.RecurringEventId != "" {
		if item.OriginalStartTime != nil {
			if orig, _, err := parseEventTime(item.OriginalStartTime); err == nil {
				changes.AddExDate(item.RecurringEventId, orig)
			}
		}
		if cancelled {
			changes.Deleted = append(changes.Deleted, item.Id)
			return
		}
	} else if cancelled {
		changes.Deleted = append(changes.Deleted, item.Id)
		return
	}

	ev, err := toRemoteEvent(item, loc)
	if err != nil {
		c.logger.Warn("Skipping unparseable Google event", "eventID", item.Id, "error", err)
		changes.Skipped++
		return
	}
	changes.Events = append(changes.Events, *ev)
}

// toRemoteEvent converts a Google Calendar event to the provider-neutral form.
func toRemoteEvent(item *calendar.Event, loc *time.Location) (*provider.RemoteEvent, error) {
	if item.Start == nil || item.End == nil {
		return nil, fmt.Errorf("event %s has no start or end", item.Id)
	}
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return nil, err
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return nil, err
	}

	ev := &provider.RemoteEvent{
		ExternalID:  item.Id,
		ICSUID:      item.ICalUID, // Use the iCalendar UID for cross-provider dedup
		ETag:        item.Etag,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		TimeZone:    item.Start.TimeZone,
		AllDay:      allDay,
		Status:      models.ParseEventStatus(item.Status),
	}

	if item.RecurringEventId == "" {
		for _, line := range item.Recurrence {
			switch {
			case strings.HasPrefix(line, "RRULE:"):
				ev.RRule = strings.TrimPrefix(line, "RRULE:")
			case strings.HasPrefix(line, "EXDATE"):
				dates, err := rrule.ParseExDateLine(line, loc)
				if err != nil {
					return nil, fmt.Errorf("event %s: %w", item.Id, err)
				}
				ev.ExDates = append(ev.ExDates, dates...)
			}
		}
	}
	return ev, nil
}

// CreateEvent inserts an event and returns its Google identity.
func (c *CalendarClient) CreateEvent(ctx context.Context, cal provider.CalendarRef, data provider.EventData) (*provider.Remote, error) {
	created, err := c.service.Events.Insert(cal.ExternalID, toGoogleEvent(data)).Context(ctx).Do()
	if err != nil {
		return nil, classify("create event", err)
	}
	c.logger.Info("Created event in Google Calendar", "calendarID", cal.ExternalID, "eventID", created.Id)
	return &provider.Remote{ExternalID: created.Id, ICSUID: created.ICalUID, ETag: created.Etag}, nil
}

// UpdateEvent patches only the fields set in patch.
func (c *CalendarClient) UpdateEvent(ctx context.Context, cal provider.CalendarRef, externalID string, patch provider.EventPatch) error {
	ev := &calendar.Event{}
	if patch.Title != nil {
		ev.Summary = *patch.Title
		ev.ForceSendFields = append(ev.ForceSendFields, "Summary")
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
		ev.ForceSendFields = append(ev.ForceSendFields, "Description")
	}
	if patch.Location != nil {
		ev.Location = *patch.Location
		ev.ForceSendFields = append(ev.ForceSendFields, "Location")
	}
	if patch.Status != nil {
		ev.Status = string(*patch.Status)
	}
	if patch.Start != nil || patch.End != nil {
		// Start and end must be sent together so all-day flips stay consistent.
		current, err := c.service.Events.Get(cal.ExternalID, externalID).Context(ctx).Do()
		if err != nil {
			return classify("update event", err)
		}
		data := provider.EventData{}
		if current.Start != nil {
			data.Start, data.AllDay, _ = parseEventTime(current.Start)
			data.TimeZone = current.Start.TimeZone
		}
		if current.End != nil {
			data.End, _, _ = parseEventTime(current.End)
		}
		patch.Apply(&data)
		ev.Start = toEventDateTime(data.Start, data.TimeZone, data.AllDay)
		ev.End = toEventDateTime(data.End, data.TimeZone, data.AllDay)
	}
	if patch.Recurrence != nil {
		allDay := patch.AllDay != nil && *patch.AllDay
		ev.Recurrence = recurrenceLines(patch.Recurrence, allDay)
		ev.ForceSendFields = append(ev.ForceSendFields, "Recurrence")
	}

	if _, err := c.service.Events.Patch(cal.ExternalID, externalID, ev).Context(ctx).Do(); err != nil {
		return classify("update event", err)
	}
	c.logger.Debug("Patched event in Google Calendar", "calendarID", cal.ExternalID, "eventID", externalID)
	return nil
}

// DeleteEvent removes an event; an event that is already gone is not an error.
func (c *CalendarClient) DeleteEvent(ctx context.Context, cal provider.CalendarRef, externalID string) error {
	err := c.service.Events.Delete(cal.ExternalID, externalID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return classify("delete event", err)
	}
	c.logger.Info("Deleted event from Google Calendar", "calendarID", cal.ExternalID, "eventID", externalID)
	return nil
}

func toGoogleEvent(data provider.EventData) *calendar.Event {
	ev := &calendar.Event{
		Summary:     data.Title,
		Description: data.Description,
		Location:    data.Location,
		Start:       toEventDateTime(data.Start, data.TimeZone, data.AllDay),
		End:         toEventDateTime(data.End, data.TimeZone, data.AllDay),
	}
	if data.Status != "" {
		ev.Status = string(data.Status)
	}
	if data.Recurrence != nil {
		ev.Recurrence = recurrenceLines(data.Recurrence, data.AllDay)
	}
	return ev
}

func recurrenceLines(rec *provider.RecurrenceData, allDay bool) []string {
	lines := []string{}
	if rec.RRule != "" {
		lines = append(lines, "RRULE:"+strings.TrimPrefix(rec.RRule, "RRULE:"))
	}
	if line := rrule.FormatExDateLine(rec.ExDates, allDay); line != "" {
		lines = append(lines, line)
	}
	return lines
}

func toEventDateTime(t time.Time, tz string, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format("2006-01-02")}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

// parseEventTime reads a Google date or date-time. Dates are all-day and
// are anchored at UTC midnight, like CalDAV DATE values, whatever the
// calendar's zone.
func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, time.UTC)
		return t, true, err
	}
	return time.Time{}, false, fmt.Errorf("empty event time")
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

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps Google API failures onto the provider error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden {
			for _, item := range gerr.Errors {
				if rateLimitReasons[item.Reason] {
					return provider.Wrap(provider.ErrRateLimited, models.ProviderGoogle, op, err)
				}
			}
			return provider.Wrap(provider.ErrCredentialExpired, models.ProviderGoogle, op, err)
		}
		if kind := provider.ClassifyStatus(gerr.Code); kind != nil {
			return provider.Wrap(kind, models.ProviderGoogle, op, err)
		}
		return fmt.Errorf("google %s: %w", op, err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return provider.Wrap(provider.ErrCredentialExpired, models.ProviderGoogle, op, err)
	}

	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return provider.Wrap(provider.ErrTransient, models.ProviderGoogle, op, err)
	}
	return fmt.Errorf("google %s: %w", op, err)
}
