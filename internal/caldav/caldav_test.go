package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calhub/internal/models"
	"calhub/internal/provider"
)

func decodeICS(t *testing.T, lines ...string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(strings.Join(lines, "\r\n") + "\r\n")).Decode()
	require.NoError(t, err)
	return cal
}

func seriesICS(t *testing.T) *ical.Calendar {
	return decodeICS(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:standup@example.com",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:20250106T090000Z",
		"DTEND:20250106T091500Z",
		"SUMMARY:Standup",
		"RRULE:FREQ=DAILY;COUNT=5",
		"EXDATE:20250107T090000Z,20250108T090000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:standup@example.com",
		"DTSTAMP:20250101T000000Z",
		"RECURRENCE-ID:20250109T090000Z",
		"DTSTART:20250109T100000Z",
		"DTEND:20250109T101500Z",
		"SUMMARY:Standup (moved)",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:standup@example.com",
		"DTSTAMP:20250101T000000Z",
		"RECURRENCE-ID:20250110T090000Z",
		"DTSTART:20250110T090000Z",
		"DTEND:20250110T091500Z",
		"STATUS:CANCELLED",
		"END:VEVENT",
		"END:VCALENDAR",
	)
}

func TestCollectObject(t *testing.T) {
	changes := &provider.Changes{}
	err := collectObject(changes, "/cal/standup.ics", `"e1"`, seriesICS(t), time.UTC)
	require.NoError(t, err)

	require.Len(t, changes.Events, 2)
	master := changes.Events[0]
	assert.Equal(t, "/cal/standup.ics", master.ExternalID)
	assert.Equal(t, "standup@example.com", master.ICSUID)
	assert.Equal(t, `"e1"`, master.ETag)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", master.RRule)
	assert.Len(t, master.ExDates, 2)
	assert.Equal(t, 15*time.Minute, master.End.Sub(master.Start))

	moved := changes.Events[1]
	assert.Equal(t, "/cal/standup.ics#20250109T090000Z", moved.ExternalID)
	assert.Equal(t, "Standup (moved)", moved.Title)
	assert.Empty(t, moved.RRule)

	exdates := changes.ExDates["/cal/standup.ics"]
	require.Len(t, exdates, 2)
	assert.True(t, time.Date(2025, 1, 9, 9, 0, 0, 0, time.UTC).Equal(exdates[0]))
	assert.True(t, time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC).Equal(exdates[1]))
}

func TestCollectObject_AllDay(t *testing.T) {
	cal := decodeICS(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:holiday",
		"DTSTAMP:20250101T000000Z",
		"DTSTART;VALUE=DATE:20250120",
		"SUMMARY:Holiday",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	changes := &provider.Changes{}
	require.NoError(t, collectObject(changes, "/cal/holiday.ics", "", cal, time.UTC))
	require.Len(t, changes.Events, 1)
	ev := changes.Events[0]
	assert.True(t, ev.AllDay)
	assert.True(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC).Equal(ev.Start))
	assert.Equal(t, 24*time.Hour, ev.End.Sub(ev.Start))
	assert.Equal(t, models.StatusConfirmed, ev.Status)
}

func TestBuildCalendar(t *testing.T) {
	start := time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)
	cal := buildCalendar(provider.EventData{
		Title:    "Review",
		Location: "Room 4",
		Start:    start,
		End:      start.Add(time.Hour),
		Status:   models.StatusTentative,
		ICSUID:   "review-1",
		Recurrence: &provider.RecurrenceData{
			RRule:   "RRULE:FREQ=WEEKLY;BYDAY=MO",
			ExDates: []time.Time{start.AddDate(0, 0, 7)},
		},
	})

	require.Len(t, cal.Children, 1)
	ev, err := toRemoteEvent(cal.Children[0], time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "review-1", ev.ICSUID)
	assert.Equal(t, "Review", ev.Title)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, models.StatusTentative, ev.Status)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", ev.RRule)
	require.Len(t, ev.ExDates, 1)
	assert.True(t, start.AddDate(0, 0, 7).Equal(ev.ExDates[0]))

	var buf strings.Builder
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	assert.Contains(t, buf.String(), "DTSTART:20250303T140000Z")
}

func TestPatchCalendar(t *testing.T) {
	cal := seriesICS(t)
	title := "Standup (room B)"
	newStart := time.Date(2025, 1, 9, 11, 0, 0, 0, time.UTC)
	newEnd := newStart.Add(30 * time.Minute)

	err := patchCalendar(cal, "20250109T090000Z", provider.EventPatch{Title: &title, Start: &newStart, End: &newEnd})
	require.NoError(t, err)

	comp, _ := findEvent(cal, "20250109T090000Z", time.UTC)
	require.NotNil(t, comp)
	ev, err := toRemoteEvent(comp, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, title, ev.Title)
	assert.True(t, newStart.Equal(ev.Start))

	master, _ := findEvent(cal, "", time.UTC)
	require.NotNil(t, master)
	assert.Equal(t, "Standup", text(master, ical.PropSummary), "master is untouched")

	err = patchCalendar(cal, "20250301T090000Z", provider.EventPatch{Title: &title})
	assert.Error(t, err)
}

func TestRemoveOverride(t *testing.T) {
	cal := seriesICS(t)
	require.NoError(t, removeOverride(cal, "20250109T090000Z"))

	comp, _ := findEvent(cal, "20250109T090000Z", time.UTC)
	assert.Nil(t, comp)

	master, _ := findEvent(cal, "", time.UTC)
	ev, err := toRemoteEvent(master, time.UTC)
	require.NoError(t, err)
	assert.Len(t, ev.ExDates, 3)
}

func TestPlanFetch(t *testing.T) {
	members := []webdav.FileInfo{
		{Path: "/cal/", IsDir: true},
		{Path: "/cal/a.ics", ETag: `"a1"`},
		{Path: "/cal/b.ics", ETag: `"b2"`},
		{Path: "/cal/c.ics", ETag: `"c1"`},
	}
	known := map[string]string{
		"/cal/a.ics":                  `"a1"`,
		"/cal/a.ics#20250109T090000Z": `"a1"`,
		"/cal/b.ics":                  `"b1"`,
		"/cal/gone.ics":               `"g1"`,
	}

	plan := planFetch("/cal/", members, known)
	assert.Equal(t, []string{"/cal/b.ics", "/cal/c.ics"}, plan.fetch)
	assert.Equal(t, []string{"/cal/a.ics", "/cal/a.ics#20250109T090000Z"}, plan.unchanged)
	assert.NotEmpty(t, plan.derivedCTag)

	again := planFetch("/cal/", []webdav.FileInfo{members[3], members[2], members[1]}, nil)
	assert.Equal(t, plan.derivedCTag, again.derivedCTag, "derived ctag does not depend on listing order")

	members[2].ETag = `"b3"`
	changed := planFetch("/cal/", members, known)
	assert.NotEqual(t, plan.derivedCTag, changed.derivedCTag)
}

const propfindResponse = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:response>
    <d:href>https://p01-caldav.icloud.com/123/calendars/home/</d:href>
    <d:propstat>
      <d:prop>
        <cs:getctag>HwoQEgwAAA</cs:getctag>
        <ic:calendar-color>#FF2968FF</ic:calendar-color>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/123/calendars/work/</d:href>
    <d:propstat>
      <d:prop>
        <cs:getctag>ctag-work</cs:getctag>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop>
        <ic:calendar-color/>
      </d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestParseCollectionProps(t *testing.T) {
	props, err := parseCollectionProps([]byte(propfindResponse))
	require.NoError(t, err)
	assert.Equal(t, collectionProps{CTag: "HwoQEgwAAA", Color: "#FF2968"}, props["/123/calendars/home/"])
	assert.Equal(t, collectionProps{CTag: "ctag-work"}, props["/123/calendars/work/"])

	_, err = parseCollectionProps([]byte("not xml"))
	assert.Error(t, err)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(logger, models.ProviderCalDAV, srv.URL+"/", "alice", "app-password")
	require.NoError(t, err)
	return c
}

func TestClient_CollectionProps(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "app-password", pass)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "PROPFIND", r.Method)
		assert.Equal(t, "0", r.Header.Get("Depth"))

		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, propfindResponse)
	})

	props, err := c.collectionProps(context.Background(), "/123/calendars/home/", "0")
	require.NoError(t, err)
	assert.Equal(t, "HwoQEgwAAA", props["/123/calendars/home/"].CTag)
}

func TestClient_DeleteEvent(t *testing.T) {
	statuses := map[string]int{
		"/cal/ok.ics":      http.StatusNoContent,
		"/cal/missing.ics": http.StatusNotFound,
		"/cal/denied.ics":  http.StatusUnauthorized,
		"/cal/busy.ics":    http.StatusServiceUnavailable,
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(statuses[r.URL.Path])
	})

	cal := provider.CalendarRef{ExternalID: "/cal/"}
	ctx := context.Background()
	assert.NoError(t, c.DeleteEvent(ctx, cal, "/cal/ok.ics"))
	assert.NoError(t, c.DeleteEvent(ctx, cal, "/cal/missing.ics"))
	assert.ErrorIs(t, c.DeleteEvent(ctx, cal, "/cal/denied.ics"), provider.ErrCredentialExpired)
	assert.ErrorIs(t, c.DeleteEvent(ctx, cal, "/cal/busy.ics"), provider.ErrTransient)
}

func TestNewClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := NewClient(logger, models.ProviderICloud, "", "u", "p")
	require.NoError(t, err)
	assert.Equal(t, ICloudEndpoint, c.endpoint.String())
	assert.Equal(t, models.ProviderICloud, c.Kind())

	_, err = NewClient(logger, models.ProviderCalDAV, "", "u", "p")
	assert.Error(t, err)
}

type davObject struct {
	etag string
	data string
}

// davServer is a minimal CalDAV collection: a ctag PROPFIND, a member
// listing and calendar-multiget.
type davServer struct {
	mu       sync.Mutex
	ctag     string
	objects  map[string]davObject
	listings int
	reports  [][]string
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:c="urn:ietf:params:xml:ns:caldav">`)

	switch {
	case r.Method == "PROPFIND" && r.Header.Get("Depth") == "0":
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><cs:getctag>%s</cs:getctag></d:prop>`+
			`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, r.URL.Path, s.ctag)
	case r.Method == "PROPFIND":
		s.listings++
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>`+
			`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, r.URL.Path)
		for _, p := range s.paths() {
			fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:resourcetype/>`+
				`<d:getcontentlength>%d</d:getcontentlength><d:getcontenttype>text/calendar</d:getcontenttype>`+
				`<d:getetag>"%s"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
				p, len(s.objects[p].data), s.objects[p].etag)
		}
	case r.Method == "REPORT":
		var multiget struct {
			Hrefs []string `xml:"DAV: href"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&multiget); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.reports = append(s.reports, multiget.Hrefs)
		for _, p := range multiget.Hrefs {
			obj := s.objects[p]
			fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>"%s"</d:getetag>`+
				`<c:calendar-data>%s</c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
				p, obj.etag, obj.data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	b.WriteString(`</d:multistatus>`)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, b.String())
}

func (s *davServer) snapshot() (listings int, reports [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings, append([][]string(nil), s.reports...)
}

func (s *davServer) paths() []string {
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func eventObject(uid, summary, start, end string) string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//test//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20250101T000000Z",
		"DTSTART:" + start,
		"DTEND:" + end,
		"SUMMARY:" + summary,
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"
}

func TestClient_ListEvents_FetchesOnlyChanges(t *testing.T) {
	dav := &davServer{
		ctag: "ctag-1",
		objects: map[string]davObject{
			"/cal/work/a.ics": {etag: "a1", data: eventObject("a@example.com", "Planning", "20250106T090000Z", "20250106T100000Z")},
			"/cal/work/b.ics": {etag: "b1", data: eventObject("b@example.com", "Review", "20250107T090000Z", "20250107T100000Z")},
		},
	}
	c := newTestClient(t, dav.ServeHTTP)
	cal := provider.CalendarRef{ExternalID: "/cal/work/"}
	ctx := context.Background()

	first, err := c.ListEvents(ctx, cal, provider.ListRequest{})
	require.NoError(t, err)
	assert.True(t, first.Full)
	assert.Equal(t, "ctag-1", first.Cursor.CTag)
	require.Len(t, first.Events, 2)
	_, reports := dav.snapshot()
	require.Len(t, reports, 1)
	assert.ElementsMatch(t, []string{"/cal/work/a.ics", "/cal/work/b.ics"}, reports[0])

	known := make(map[string]string)
	for _, ev := range first.Events {
		known[ev.ExternalID] = ev.ETag
	}

	// Same ctag: nothing is listed or downloaded.
	second, err := c.ListEvents(ctx, cal, provider.ListRequest{Cursor: first.Cursor, Known: known})
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Empty(t, second.Events)
	listings, reports := dav.snapshot()
	assert.Equal(t, 1, listings)
	assert.Len(t, reports, 1)

	// One resource changes: only its href is fetched.
	dav.mu.Lock()
	dav.ctag = "ctag-2"
	dav.objects["/cal/work/b.ics"] = davObject{etag: "b2", data: eventObject("b@example.com", "Review (moved)", "20250108T090000Z", "20250108T100000Z")}
	dav.mu.Unlock()

	third, err := c.ListEvents(ctx, cal, provider.ListRequest{Cursor: first.Cursor, Known: known})
	require.NoError(t, err)
	assert.False(t, third.NotModified)
	assert.Equal(t, "ctag-2", third.Cursor.CTag)
	_, reports = dav.snapshot()
	require.Len(t, reports, 2)
	assert.Equal(t, []string{"/cal/work/b.ics"}, reports[1])
	assert.Equal(t, []string{"/cal/work/a.ics"}, third.Unchanged)
	require.Len(t, third.Events, 1)
	assert.Equal(t, "Review (moved)", third.Events[0].Title)
	assert.NotEqual(t, known["/cal/work/b.ics"], third.Events[0].ETag)
}

func TestClient_ListEvents_RejectedCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.ListEvents(context.Background(), provider.CalendarRef{ExternalID: "/cal/work/"}, provider.ListRequest{})
	assert.ErrorIs(t, err, provider.ErrCredentialExpired)
}
