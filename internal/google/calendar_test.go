package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"calhub/internal/models"
	"calhub/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(context.Background(), logger, srv.Client(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const eventsPage = `{
  "items": [
    {
      "id": "master",
      "iCalUID": "master@google.com",
      "etag": "\"1\"",
      "status": "confirmed",
      "summary": "Daily sync",
      "start": {"dateTime": "2025-01-06T09:00:00Z", "timeZone": "Europe/Berlin"},
      "end": {"dateTime": "2025-01-06T09:30:00Z", "timeZone": "Europe/Berlin"},
      "recurrence": ["RRULE:FREQ=DAILY;COUNT=5", "EXDATE:20250108T090000Z"]
    },
    {
      "id": "master_20250107T090000Z",
      "status": "cancelled",
      "recurringEventId": "master",
      "originalStartTime": {"dateTime": "2025-01-07T09:00:00Z"}
    },
    {
      "id": "master_20250109T090000Z",
      "status": "confirmed",
      "summary": "Daily sync (late)",
      "recurringEventId": "master",
      "originalStartTime": {"dateTime": "2025-01-09T09:00:00Z"},
      "start": {"dateTime": "2025-01-09T11:00:00Z"},
      "end": {"dateTime": "2025-01-09T11:30:00Z"}
    },
    {"id": "gone", "status": "cancelled"},
    {
      "id": "holiday",
      "status": "confirmed",
      "summary": "Holiday",
      "start": {"date": "2025-01-20"},
      "end": {"date": "2025-01-21"}
    }
  ],
  "nextSyncToken": "tok-2"
}`

func TestCalendarClient_ListEvents_Full(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()

		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		q := r.URL.Query()
		if q.Get("syncToken") == "stale" {
			writeJSON(w, http.StatusGone, map[string]any{
				"error": map[string]any{"code": 410, "message": "Sync token is no longer valid, a full sync is required.",
					"errors": []map[string]string{{"reason": "fullSyncRequired"}}},
			})
			return
		}
		assert.Equal(t, "false", q.Get("singleEvents"))
		assert.Equal(t, "true", q.Get("showDeleted"))
		assert.NotEmpty(t, q.Get("timeMin"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, eventsPage)
	}))

	cal := provider.CalendarRef{ExternalID: "primary", TimeZone: "UTC"}
	changes, err := c.ListEvents(context.Background(), cal, provider.ListRequest{Cursor: provider.Cursor{SyncToken: "stale"}})
	require.NoError(t, err)
	assert.Len(t, queries, 2, "expired token falls back to one full listing")

	assert.True(t, changes.Full)
	require.NotNil(t, changes.Window)
	assert.Equal(t, "tok-2", changes.Cursor.SyncToken)
	assert.ElementsMatch(t, []string{"master_20250107T090000Z", "gone"}, changes.Deleted)

	require.Len(t, changes.Events, 3)
	master := changes.Events[0]
	assert.Equal(t, "master", master.ExternalID)
	assert.Equal(t, "master@google.com", master.ICSUID)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", master.RRule)
	require.Len(t, master.ExDates, 1)
	assert.True(t, time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC).Equal(master.ExDates[0]))

	override := changes.Events[1]
	assert.Empty(t, override.RRule)
	assert.Equal(t, "Daily sync (late)", override.Title)

	holiday := changes.Events[2]
	assert.True(t, holiday.AllDay)
	assert.True(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC).Equal(holiday.Start))

	exdates := changes.ExDates["master"]
	require.Len(t, exdates, 2)
	assert.True(t, time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC).Equal(exdates[0]))
	assert.True(t, time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC).Equal(exdates[1]))
}

func TestCalendarClient_ListEvents_Incremental(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "tok-1", q.Get("syncToken"))
		assert.Empty(t, q.Get("timeMin"))
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}, "nextSyncToken": "tok-2"})
	}))

	changes, err := c.ListEvents(context.Background(), provider.CalendarRef{ExternalID: "primary"},
		provider.ListRequest{Cursor: provider.Cursor{SyncToken: "tok-1"}})
	require.NoError(t, err)
	assert.False(t, changes.Full)
	assert.Equal(t, "tok-2", changes.Cursor.SyncToken)
}

func TestCalendarClient_CreateAndDelete(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Planning", body["summary"])
			assert.Equal(t, []any{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE:20250113T090000Z"}, body["recurrence"])
			writeJSON(w, http.StatusOK, map[string]any{"id": "new-1", "iCalUID": "new-1@google.com", "etag": `"e1"`})
		case http.MethodDelete:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))

	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	remote, err := c.CreateEvent(context.Background(), provider.CalendarRef{ExternalID: "primary"}, provider.EventData{
		Title: "Planning",
		Start: start,
		End:   start.Add(time.Hour),
		Recurrence: &provider.RecurrenceData{
			RRule:   "FREQ=WEEKLY;BYDAY=MO",
			ExDates: []time.Time{start.AddDate(0, 0, 7)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-1", remote.ExternalID)
	assert.Equal(t, "new-1@google.com", remote.ICSUID)

	err = c.DeleteEvent(context.Background(), provider.CalendarRef{ExternalID: "primary"}, "missing")
	assert.NoError(t, err, "deleting an already-deleted event succeeds")
}

func TestCalendarClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		reason string
		want   error
	}{
		{http.StatusUnauthorized, "authError", provider.ErrCredentialExpired},
		{http.StatusForbidden, "rateLimitExceeded", provider.ErrRateLimited},
		{http.StatusForbidden, "forbidden", provider.ErrCredentialExpired},
		{http.StatusTooManyRequests, "rateLimitExceeded", provider.ErrRateLimited},
		{http.StatusBadGateway, "backendError", provider.ErrTransient},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, map[string]any{
				"error": map[string]any{"code": tc.status, "message": "nope", "errors": []map[string]string{{"reason": tc.reason}}},
			})
		}))
		_, err := c.ListCalendars(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, tc.want), "status %d reason %s: got %v", tc.status, tc.reason, err)
	}
}

func TestCalendarClient_ListCalendars(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/calendarList", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
			{"id": "primary@example.com", "summary": "Me", "primary": true, "accessRole": "owner", "timeZone": "Europe/Berlin"},
			{"id": "holidays", "summary": "Holidays", "summaryOverride": "Feiertage", "accessRole": "reader", "hidden": true},
		}})
	}))

	refs, err := c.ListCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.True(t, refs[0].Primary)
	assert.False(t, refs[0].ReadOnly)
	assert.Equal(t, "Feiertage", refs[1].Name)
	assert.True(t, refs[1].ReadOnly)
	assert.True(t, refs[1].Hidden)
	assert.Equal(t, models.ProviderGoogle, c.Kind())
}

func TestCalendarClient_AllDayRoundTrip_ZonedCalendar(t *testing.T) {
	var posted map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"items": []map[string]any{{
					"id":         "trip",
					"status":     "confirmed",
					"summary":    "Trip",
					"start":      map[string]string{"date": "2025-01-20"},
					"end":        map[string]string{"date": "2025-01-22"},
					"recurrence": []string{"RRULE:FREQ=WEEKLY;COUNT=3", "EXDATE;VALUE=DATE:20250127"},
				}},
				"nextSyncToken": "tok",
			})
		case http.MethodPost:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			writeJSON(w, http.StatusOK, map[string]any{"id": "copy"})
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))

	cal := provider.CalendarRef{ExternalID: "primary", TimeZone: "Asia/Tokyo"}
	changes, err := c.ListEvents(context.Background(), cal, provider.ListRequest{})
	require.NoError(t, err)
	require.Len(t, changes.Events, 1)

	trip := changes.Events[0]
	assert.True(t, trip.AllDay)
	assert.True(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC).Equal(trip.Start), "got %s", trip.Start)
	assert.True(t, time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC).Equal(trip.End))
	require.Len(t, trip.ExDates, 1)
	assert.True(t, time.Date(2025, 1, 27, 0, 0, 0, 0, time.UTC).Equal(trip.ExDates[0]))

	_, err = c.CreateEvent(context.Background(), provider.CalendarRef{ExternalID: "other", TimeZone: "Europe/Berlin"}, provider.EventData{
		Title:      trip.Title,
		Start:      trip.Start,
		End:        trip.End,
		AllDay:     true,
		Recurrence: &provider.RecurrenceData{RRule: trip.RRule, ExDates: trip.ExDates},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"date": "2025-01-20"}, posted["start"])
	assert.Equal(t, map[string]any{"date": "2025-01-22"}, posted["end"])
	assert.Equal(t, []any{"RRULE:FREQ=WEEKLY;COUNT=3", "EXDATE;VALUE=DATE:20250127"}, posted["recurrence"])
}
