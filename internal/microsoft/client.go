// Package microsoft implements the provider adapter for Outlook calendars
// through the Microsoft Graph API.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"calhub/internal/models"
	"calhub/internal/provider"
)

const (
	// DefaultBaseURL is the Graph v1.0 root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	pageSize        = 100
	requestTimeout  = 30 * time.Second
	graphTimeLayout = "2006-01-02T15:04:05"
)

// Client is a Microsoft Graph adapter bound to one account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

var _ provider.Adapter = (*Client)(nil)

// NewClient creates a Graph adapter. httpClient must authorize requests,
// usually via oauth2.NewClient. An empty baseURL selects DefaultBaseURL.
func NewClient(logger *slog.Logger, httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// Kind implements provider.Adapter.
func (c *Client) Kind() models.ProviderKind {
	return models.ProviderMicrosoft
}

type graphCalendar struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	HexColor          string `json:"hexColor"`
	IsDefaultCalendar bool   `json:"isDefaultCalendar"`
	CanEdit           bool   `json:"canEdit"`
}

// ListCalendars returns the calendars of the signed-in user.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.CalendarRef, error) {
	var refs []provider.CalendarRef
	next := c.baseURL + "/me/calendars?" + url.Values{"$top": {fmt.Sprint(pageSize)}}.Encode()
	for next != "" {
		var page struct {
			Value    []graphCalendar `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, "list calendars", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			refs = append(refs, provider.CalendarRef{
				ExternalID: item.ID,
				Name:       item.Name,
				Color:      item.HexColor,
				ReadOnly:   !item.CanEdit,
				Primary:    item.IsDefaultCalendar,
			})
		}
		next = page.NextLink
	}
	c.logger.Info("Discovered Microsoft calendars", "count", len(refs))
	return refs, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	ID                    string         `json:"id"`
	ICalUID               string         `json:"iCalUId"`
	ChangeKey             string         `json:"changeKey"`
	Subject               string         `json:"subject"`
	Body                  *graphBody     `json:"body"`
	BodyPreview           string         `json:"bodyPreview"`
	Start                 *graphDateTime `json:"start"`
	End                   *graphDateTime `json:"end"`
	OriginalStart         string         `json:"originalStart"`
	OriginalStartTimeZone string         `json:"originalStartTimeZone"`
	Location              *graphLocation `json:"location"`
	IsAllDay              bool           `json:"isAllDay"`
	IsCancelled           bool           `json:"isCancelled"`
	ShowAs                string         `json:"showAs"`
	Type                  string         `json:"type"`
	SeriesMasterID        string         `json:"seriesMasterId"`
	Recurrence            *recurrence    `json:"recurrence"`
	// Series masters only. Cancelled ids look like "OID.<masterId>.<yyyy-mm-dd>".
	CancelledOccurrences []string     `json:"cancelledOccurrences"`
	ExceptionOccurrences []graphEvent `json:"exceptionOccurrences"`
}

// eventFields is the $select of event listings; cancelledOccurrences is only
// returned when asked for.
const eventFields = "id,iCalUId,changeKey,subject,body,bodyPreview,start,end,originalStart,originalStartTimeZone," +
	"location,isAllDay,isCancelled,showAs,type,seriesMasterId,recurrence,cancelledOccurrences"

// ListEvents lists every single instance and series master of a calendar.
// Graph has no cheap change token for calendar collections, so each listing
// is complete. Cancelled occurrences of a series become its exdates; moved
// ones become standalone events plus an exdate.
func (c *Client) ListEvents(ctx context.Context, cal provider.CalendarRef, req provider.ListRequest) (*provider.Changes, error) {
	changes := &provider.Changes{Full: true}

	next := fmt.Sprintf("%s/me/calendars/%s/events?%s", c.baseURL, url.PathEscape(cal.ExternalID),
		url.Values{
			"$top":    {fmt.Sprint(pageSize)},
			"$select": {eventFields},
			"$expand": {"exceptionOccurrences($select=" + eventFields + ")"},
		}.Encode())
	for next != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, "list events", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if item.IsCancelled {
				changes.Deleted = append(changes.Deleted, item.ID)
				continue
			}
			ev, err := toRemoteEvent(item)
			if err != nil {
				c.logger.Warn("Skipping unparseable Microsoft event", "calendar", cal.ExternalID, "eventId", item.ID, "error", err)
				changes.Skipped++
				continue
			}
			changes.Events = append(changes.Events, ev)
			c.collectExceptions(changes, item, cal.ExternalID)
		}
		next = page.NextLink
	}

	c.logger.Info("Successfully fetched events from Microsoft", "calendar", cal.ExternalID, "count", len(changes.Events))
	return changes, nil
}

func toRemoteEvent(item graphEvent) (provider.RemoteEvent, error) {
	ev := provider.RemoteEvent{
		ExternalID: item.ID,
		ICSUID:     item.ICalUID,
		ETag:       item.ChangeKey,
		Title:      item.Subject,
		AllDay:     item.IsAllDay,
		TimeZone:   item.OriginalStartTimeZone,
		Status:     models.StatusConfirmed,
	}
	if item.ShowAs == "tentative" {
		ev.Status = models.StatusTentative
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	switch {
	case item.Body != nil && strings.EqualFold(item.Body.ContentType, "text"):
		ev.Description = item.Body.Content
	default:
		ev.Description = item.BodyPreview
	}

	if item.Start == nil || item.End == nil {
		return ev, fmt.Errorf("event without start or end")
	}
	start, err := parseGraphTime(*item.Start)
	if err != nil {
		return ev, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseGraphTime(*item.End)
	if err != nil {
		return ev, fmt.Errorf("invalid end: %w", err)
	}
	if end.Before(start) {
		return ev, models.ErrInvalidTimeRange
	}
	ev.Start, ev.End = start, end

	if item.Recurrence != nil && item.Type == "seriesMaster" {
		rule, err := toRRule(item.Recurrence)
		if err != nil {
			return ev, err
		}
		ev.RRule = rule
		ev.ExDates = cancelledExDates(item, start)
	}
	return ev, nil
}

// collectExceptions adds the moved occurrences of a series master as
// standalone events and excludes their original instants from the series.
func (c *Client) collectExceptions(changes *provider.Changes, master graphEvent, calendarID string) {
	for _, exc := range master.ExceptionOccurrences {
		if orig, err := time.Parse(time.RFC3339, exc.OriginalStart); err == nil {
			changes.AddExDate(master.ID, orig)
		}
		if exc.IsCancelled {
			continue
		}
		ev, err := toRemoteEvent(exc)
		if err != nil {
			c.logger.Warn("Skipping unparseable Microsoft occurrence", "calendar", calendarID, "eventId", exc.ID, "error", err)
			changes.Skipped++
			continue
		}
		changes.Events = append(changes.Events, ev)
	}
}

// cancelledExDates maps the cancelled occurrence ids of a series master to the
// instants they remove. The id carries only the date; the time of day is the
// master's, in the series time zone. All-day series use UTC midnight.
func cancelledExDates(item graphEvent, start time.Time) []time.Time {
	if len(item.CancelledOccurrences) == 0 {
		return nil
	}
	loc := seriesLocation(item)
	local := start.In(loc)

	var out []time.Time
	for _, id := range item.CancelledOccurrences {
		i := strings.LastIndex(id, ".")
		if i < 0 {
			continue
		}
		d, err := time.Parse(dateLayout, id[i+1:])
		if err != nil {
			continue
		}
		if item.IsAllDay {
			out = append(out, d)
			continue
		}
		out = append(out, time.Date(d.Year(), d.Month(), d.Day(), local.Hour(), local.Minute(), local.Second(), 0, loc).UTC())
	}
	return out
}

func seriesLocation(item graphEvent) *time.Location {
	names := []string{item.OriginalStartTimeZone}
	if item.Recurrence != nil {
		names = append([]string{item.Recurrence.Range.RecurrenceTimeZone}, names...)
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// parseGraphTime parses a Graph dateTimeTimeZone. Fractional seconds are
// accepted by the layout implicitly.
func parseGraphTime(dt graphDateTime) (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toGraphTime(t time.Time) graphDateTime {
	return graphDateTime{DateTime: t.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
}

// eventBody renders the writable fields of patch. Nil fields are omitted so
// PATCH leaves them untouched.
func eventBody(patch provider.EventPatch) (map[string]any, error) {
	body := make(map[string]any)
	if patch.Title != nil {
		body["subject"] = *patch.Title
	}
	if patch.Description != nil {
		body["body"] = graphBody{ContentType: "text", Content: *patch.Description}
	}
	if patch.Location != nil {
		body["location"] = graphLocation{DisplayName: *patch.Location}
	}
	if patch.Start != nil {
		body["start"] = toGraphTime(*patch.Start)
	}
	if patch.End != nil {
		body["end"] = toGraphTime(*patch.End)
	}
	if patch.AllDay != nil {
		body["isAllDay"] = *patch.AllDay
	}
	if patch.Status != nil {
		showAs := "busy"
		if *patch.Status == models.StatusTentative {
			showAs = "tentative"
		}
		body["showAs"] = showAs
	}
	if patch.Recurrence != nil {
		if patch.Recurrence.RRule == "" {
			body["recurrence"] = nil
		} else {
			if patch.Start == nil {
				return nil, fmt.Errorf("recurrence update requires the event start")
			}
			tz := ""
			if patch.TimeZone != nil {
				tz = *patch.TimeZone
			}
			rec, err := fromRRule(patch.Recurrence.RRule, *patch.Start, tz)
			if err != nil {
				return nil, err
			}
			body["recurrence"] = rec
		}
	}
	return body, nil
}

func dataPatch(data provider.EventData) provider.EventPatch {
	return provider.EventPatch{
		Title:       &data.Title,
		Description: &data.Description,
		Location:    &data.Location,
		Start:       &data.Start,
		End:         &data.End,
		TimeZone:    &data.TimeZone,
		AllDay:      &data.AllDay,
		Status:      &data.Status,
		Recurrence:  data.Recurrence,
	}
}

// CreateEvent creates an event and cancels the instances excluded by its
// recurrence.
func (c *Client) CreateEvent(ctx context.Context, cal provider.CalendarRef, data provider.EventData) (*provider.Remote, error) {
	body, err := eventBody(dataPatch(data))
	if err != nil {
		return nil, provider.Wrap(provider.ErrParse, models.ProviderMicrosoft, "create event", err)
	}

	var created graphEvent
	endpoint := fmt.Sprintf("%s/me/calendars/%s/events", c.baseURL, url.PathEscape(cal.ExternalID))
	if err := c.do(ctx, "create event", http.MethodPost, endpoint, body, &created); err != nil {
		return nil, err
	}
	c.logger.Info("Successfully created Microsoft event", "calendar", cal.ExternalID, "eventId", created.ID)

	if data.Recurrence != nil && len(data.Recurrence.ExDates) > 0 {
		if err := c.cancelInstances(ctx, created.ID, data.Recurrence.ExDates); err != nil {
			return nil, err
		}
	}
	return &provider.Remote{ExternalID: created.ID, ICSUID: created.ICalUID, ETag: created.ChangeKey}, nil
}

// UpdateEvent patches an event. Excluded dates in the patch's recurrence are
// applied by cancelling the matching instances.
func (c *Client) UpdateEvent(ctx context.Context, cal provider.CalendarRef, externalID string, patch provider.EventPatch) error {
	body, err := eventBody(patch)
	if err != nil {
		return provider.Wrap(provider.ErrParse, models.ProviderMicrosoft, "update event", err)
	}
	endpoint := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(externalID))
	if len(body) > 0 {
		if err := c.do(ctx, "update event", http.MethodPatch, endpoint, body, nil); err != nil {
			return err
		}
	}
	if patch.Recurrence != nil && len(patch.Recurrence.ExDates) > 0 {
		return c.cancelInstances(ctx, externalID, patch.Recurrence.ExDates)
	}
	return nil
}

// DeleteEvent deletes an event; a missing event is not an error.
func (c *Client) DeleteEvent(ctx context.Context, cal provider.CalendarRef, externalID string) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(externalID))
	err := c.do(ctx, "delete event", http.MethodDelete, endpoint, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// cancelInstances deletes the occurrences of a series that start at one of
// the given instants.
func (c *Client) cancelInstances(ctx context.Context, seriesID string, dates []time.Time) error {
	for _, d := range dates {
		q := url.Values{
			"startDateTime": {d.UTC().Format(time.RFC3339)},
			"endDateTime":   {d.UTC().Add(time.Minute).Format(time.RFC3339)},
		}
		endpoint := fmt.Sprintf("%s/me/events/%s/instances?%s", c.baseURL, url.PathEscape(seriesID), q.Encode())
		var page struct {
			Value []graphEvent `json:"value"`
		}
		if err := c.do(ctx, "list instances", http.MethodGet, endpoint, nil, &page); err != nil {
			return err
		}
		for _, inst := range page.Value {
			if inst.Start == nil {
				continue
			}
			start, err := parseGraphTime(*inst.Start)
			if err != nil || !start.Equal(d) {
				continue
			}
			instURL := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(inst.ID))
			if err := c.do(ctx, "cancel instance", http.MethodDelete, instURL, nil, nil); err != nil && !isNotFound(err) {
				return err
			}
			c.logger.Debug("Cancelled Microsoft instance", "seriesId", seriesID, "start", d)
		}
	}
	return nil
}

type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("microsoft graph API failed: status=%d %s", e.Code, e.Message)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone)
}

// do performs a Graph request. in is encoded as JSON when non-nil and out is
// decoded from a successful response when non-nil.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Wrap(provider.ErrParse, models.ProviderMicrosoft, op, err)
	}
	return nil
}

func responseError(op string, resp *http.Response) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Code != "" {
		msg = payload.Error.Code + ": " + payload.Error.Message
	}
	err := &statusError{Code: resp.StatusCode, Message: msg}

	kind := provider.ClassifyStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusForbidden {
		kind = provider.ErrCredentialExpired
	}
	if kind == nil {
		return fmt.Errorf("microsoft %s: %w", op, err)
	}
	return provider.Wrap(kind, models.ProviderMicrosoft, op, err)
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return provider.Wrap(provider.ErrCredentialExpired, models.ProviderMicrosoft, op, err)
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return provider.Wrap(provider.ErrTransient, models.ProviderMicrosoft, op, err)
	}
	return fmt.Errorf("microsoft %s: %w", op, err)
}
