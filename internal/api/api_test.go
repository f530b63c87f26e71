package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/store"
	"calhub/internal/syncer"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAdapter struct{}

func (stubAdapter) Kind() models.ProviderKind { return models.ProviderGoogle }

func (stubAdapter) ListCalendars(context.Context) ([]provider.CalendarRef, error) {
	return []provider.CalendarRef{{ExternalID: "primary", Name: "Work", Primary: true}}, nil
}

func (stubAdapter) ListEvents(context.Context, provider.CalendarRef, provider.ListRequest) (*provider.Changes, error) {
	return &provider.Changes{
		Events: []provider.RemoteEvent{{
			ExternalID: "g-1",
			ETag:       "e1",
			Title:      "Planning",
			Start:      t0,
			End:        t0.Add(time.Hour),
			Status:     models.StatusConfirmed,
		}},
		Full:   true,
		Cursor: provider.Cursor{SyncToken: "tok"},
	}, nil
}

func (stubAdapter) CreateEvent(context.Context, provider.CalendarRef, provider.EventData) (*provider.Remote, error) {
	return &provider.Remote{ExternalID: "g-new", ETag: "e2"}, nil
}

func (stubAdapter) UpdateEvent(context.Context, provider.CalendarRef, string, provider.EventPatch) error {
	return nil
}

func (stubAdapter) DeleteEvent(context.Context, provider.CalendarRef, string) error { return nil }

// rejectingAdapter behaves like a provider that no longer accepts the
// stored credentials.
type rejectingAdapter struct {
	stubAdapter
	err error
}

func (a rejectingAdapter) ListCalendars(context.Context) ([]provider.CalendarRef, error) {
	return nil, a.err
}

type stubFactory struct{}

func (stubFactory) Adapter(_ context.Context, acc *models.CalendarAccount) (provider.Adapter, error) {
	switch {
	case acc.Provider == models.ProviderLocal:
		return nil, provider.ErrLocalAccount
	case acc.Email == "revoked@example.com":
		return rejectingAdapter{err: provider.Wrap(provider.ErrCredentialExpired, acc.Provider, "list calendars", errors.New("401 invalid_grant"))}, nil
	case acc.Email == "busy@example.com":
		return rejectingAdapter{err: provider.Wrap(provider.ErrRateLimited, acc.Provider, "list calendars", errors.New("429"))}, nil
	}
	return stubAdapter{}, nil
}

type recordingPool struct {
	mu        sync.Mutex
	submitted []string
}

func (p *recordingPool) Submit(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, id)
	return nil
}

type testServer struct {
	router http.Handler
	pool   *recordingPool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	st, err := store.New(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := syncer.NewSyncer(logger, st, stubFactory{}, syncer.Options{Concurrency: 1})
	pool := &recordingPool{}
	return &testServer{
		router: NewRouter(logger, NewHandler(logger, st, s, pool), nil),
		pool:   pool,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func rangeQuery(from, to time.Time) string {
	return "?start=" + from.Format(time.RFC3339) + "&end=" + to.Format(time.RFC3339)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestConnectAccount_Rejected(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing user", body: map[string]any{"provider": "google"}},
		{name: "unknown provider", body: map[string]any{"userId": "u1", "provider": "yahoo"}},
		{name: "oauth without token", body: map[string]any{"userId": "u1", "provider": "google"}},
		{name: "caldav without password", body: map[string]any{"userId": "u1", "provider": "caldav", "username": "me"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/accounts", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, ts.pool.submitted)
}

func TestConnectAccount_ProviderRejectsCredentials(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		email string
		code  int
		kind  string
	}{
		{email: "revoked@example.com", code: http.StatusUnauthorized, kind: "credential_expired"},
		{email: "busy@example.com", code: http.StatusTooManyRequests, kind: "rate_limited"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
				"userId":   "u1",
				"provider": "google",
				"email":    tt.email,
				"token":    map[string]any{"access_token": "a", "refresh_token": "r"},
			})
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			body := decode[map[string]string](t, w)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, ts.pool.submitted)
}

func TestAccountLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"userId":   "u1",
		"provider": "google",
		"email":    "me@example.com",
		"token":    map[string]any{"access_token": "a", "refresh_token": "r"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	connected := decode[map[string]string](t, w)
	accountID := connected["accountId"]
	require.NotEmpty(t, accountID)
	assert.Equal(t, []string{accountID}, ts.pool.submitted)

	w = ts.do(t, http.MethodPost, "/api/v1/accounts/"+accountID+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[syncer.Report](t, w)
	assert.Equal(t, 1, report.CalendarsSynced)
	assert.Equal(t, 1, report.Imported)
	assert.Empty(t, report.Errors)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+accountID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[AccountStatus](t, w)
	require.Len(t, status.Calendars, 1)
	assert.Equal(t, models.SyncIdle, status.Calendars[0].Status)
	assert.False(t, status.Syncing())
	assert.NotNil(t, status.LastSyncAt)

	w = ts.do(t, http.MethodGet, "/api/v1/occurrences"+rangeQuery(t0.Add(-time.Hour), t0.Add(24*time.Hour)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	occ := decode[[]occurrenceJSON](t, w)
	require.Len(t, occ, 1)
	assert.Equal(t, "Planning", occ[0].Title)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+accountID+"/calendars", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cals := decode[[]calendarJSON](t, w)
	require.Len(t, cals, 1)
	assert.True(t, cals[0].IsVisible)

	w = ts.do(t, http.MethodPatch, "/api/v1/calendars/"+cals[0].ID, map[string]any{"visible": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[calendarJSON](t, w).IsVisible)

	w = ts.do(t, http.MethodPatch, "/api/v1/calendars/"+cals[0].ID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/accounts/"+accountID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+accountID+"/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/accounts/"+accountID+"/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func localCalendar(t *testing.T, ts *testServer) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"userId": "u1", "provider": "local"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accountID := decode[map[string]string](t, w)["accountId"]
	assert.Empty(t, ts.pool.submitted, "local accounts have nothing to sync")

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+accountID+"/calendars", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cals := decode[[]calendarJSON](t, w)
	require.Len(t, cals, 1)
	assert.Equal(t, "Local", cals[0].Name)
	return cals[0].ID
}

func TestEventEndpoints(t *testing.T) {
	ts := newTestServer(t)
	calendarID := localCalendar(t, ts)

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"calendarId": calendarID,
		"title":      "Gym",
		"start":      t0,
		"end":        t0.Add(time.Hour),
		"rrule":      "FREQ=DAILY;COUNT=3",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[writeResponse](t, w)
	assert.True(t, created.Event.IsRecurring)
	assert.Empty(t, created.Warnings)
	eventID := created.Event.ID

	window := rangeQuery(t0.Add(-time.Hour), t0.Add(7*24*time.Hour))
	w = ts.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/occurrences"+window, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]occurrenceJSON](t, w), 3)

	w = ts.do(t, http.MethodPost, "/api/v1/events/"+eventID+"/exdates", map[string]any{"date": t0.Add(24 * time.Hour)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/occurrences"+window, nil)
	require.Equal(t, http.StatusOK, w.Code)
	occ := decode[[]occurrenceJSON](t, w)
	require.Len(t, occ, 2)
	assert.True(t, occ[1].Start.Equal(t0.Add(48*time.Hour)))

	w = ts.do(t, http.MethodPatch, "/api/v1/events/"+eventID, map[string]any{"title": "Swim"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Swim", decode[writeResponse](t, w).Event.Title)

	w = ts.do(t, http.MethodDelete, "/api/v1/events/"+eventID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/occurrences"+window, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventEndpoints_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	calendarID := localCalendar(t, ts)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{
			name:   "missing times",
			method: http.MethodPost,
			path:   "/api/v1/events",
			body:   map[string]any{"calendarId": calendarID, "title": "x"},
		},
		{
			name:   "end before start",
			method: http.MethodPost,
			path:   "/api/v1/events",
			body:   map[string]any{"calendarId": calendarID, "start": t0, "end": t0.Add(-time.Hour)},
		},
		{
			name:   "bad rule",
			method: http.MethodPost,
			path:   "/api/v1/events",
			body:   map[string]any{"calendarId": calendarID, "start": t0, "end": t0.Add(time.Hour), "rrule": "FREQ=HOURLY"},
		},
		{
			name:   "range not RFC 3339",
			method: http.MethodGet,
			path:   "/api/v1/occurrences?start=yesterday&end=today",
		},
		{
			name:   "inverted range",
			method: http.MethodGet,
			path:   "/api/v1/occurrences" + rangeQuery(t0, t0.Add(-time.Hour)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := ts.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"calendarId": calendarID, "title": "Once", "start": t0, "end": t0.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	single := decode[writeResponse](t, w).Event.ID

	w = ts.do(t, http.MethodPost, "/api/v1/events/"+single+"/exdates", map[string]any{"date": t0})
	assert.Equal(t, http.StatusBadRequest, w.Code, "single events have no exception dates")
	w = ts.do(t, http.MethodPost, "/api/v1/events/"+single+"/exdates", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/v1/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
