// Package caldav implements the provider adapter for CalDAV servers,
// including iCloud.
package caldav

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"calhub/internal/models"
	"calhub/internal/provider"
)

const (
	// ICloudEndpoint is the CalDAV root for iCloud accounts.
	ICloudEndpoint = "https://caldav.icloud.com/"

	userAgent = "calhub/1.0"

	// multiGetBatch bounds the number of hrefs per calendar-multiget REPORT.
	multiGetBatch = 50
)

type statusKey struct{}

// statusRecorder remembers the last error status seen for a request context.
type statusRecorder struct {
	mu   sync.Mutex
	code int
}

func (r *statusRecorder) set(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *statusRecorder) get() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

func withStatus(ctx context.Context) (context.Context, *statusRecorder) {
	rec := &statusRecorder{}
	return context.WithValue(ctx, statusKey{}, rec), rec
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request, and
// records error statuses for classification.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.Transport.RoundTrip(req)
	if err == nil && resp.StatusCode >= 400 {
		if rec, ok := req.Context().Value(statusKey{}).(*statusRecorder); ok {
			rec.set(resp.StatusCode)
		}
	}
	return resp, err
}

// Client is a CalDAV adapter bound to one account.
type Client struct {
	caldavClient *caldav.Client
	httpClient   *http.Client
	endpoint     *url.URL
	kind         models.ProviderKind
	logger       *slog.Logger
}

var _ provider.Adapter = (*Client)(nil)

// NewClient creates a CalDAV adapter for endpoint. For iCloud accounts an
// empty endpoint selects ICloudEndpoint.
func NewClient(logger *slog.Logger, kind models.ProviderKind, endpoint, username, password string) (*Client, error) {
	if endpoint == "" {
		if kind != models.ProviderICloud {
			return nil, fmt.Errorf("caldav account requires a server url")
		}
		endpoint = ICloudEndpoint
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint %q: %w", endpoint, err)
	}

	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Client{
		caldavClient: caldavClient,
		httpClient:   httpClient,
		endpoint:     base,
		kind:         kind,
		logger:       logger,
	}, nil
}

// Kind implements provider.Adapter.
func (c *Client) Kind() models.ProviderKind {
	return c.kind
}

// ListCalendars discovers the user's event calendars.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.CalendarRef, error) {
	ctx, rec := withStatus(ctx)

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, c.classify("find principal", err, rec)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, c.classify("find calendar home set", err, rec)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, c.classify("find calendars", err, rec)
	}

	// Colors are optional; a server that rejects the PROPFIND just yields none.
	props, err := c.collectionProps(ctx, homeSetPath, "1")
	if err != nil {
		c.logger.Debug("Could not read calendar colors", "homeSet", homeSetPath, "error", err)
	}

	var refs []provider.CalendarRef
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		refs = append(refs, provider.CalendarRef{
			ExternalID: cal.Path,
			Name:       cal.Name,
			Color:      props[cal.Path].Color,
		})
	}
	c.logger.Info("Discovered CalDAV calendars", "provider", c.kind, "count", len(refs))
	return refs, nil
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// ListEvents compares the collection ctag with the cursor, then the member
// etags with the known set, and only downloads resources that changed.
func (c *Client) ListEvents(ctx context.Context, cal provider.CalendarRef, req provider.ListRequest) (*provider.Changes, error) {
	ctx, rec := withStatus(ctx)

	var serverCTag string
	props, err := c.collectionProps(ctx, cal.ExternalID, "0")
	if err != nil {
		if kind := provider.ClassifyStatus(rec.get()); kind == provider.ErrCredentialExpired || kind == provider.ErrRateLimited {
			return nil, provider.Wrap(kind, c.kind, "get ctag", err)
		}
		c.logger.Debug("Server did not report a ctag", "calendar", cal.ExternalID, "error", err)
	} else {
		for _, p := range props {
			serverCTag = p.CTag
		}
	}
	if serverCTag != "" && serverCTag == req.Cursor.CTag {
		c.logger.Debug("Calendar not modified", "calendar", cal.ExternalID)
		return &provider.Changes{NotModified: true, Cursor: provider.Cursor{CTag: serverCTag}}, nil
	}

	members, err := c.caldavClient.ReadDir(ctx, cal.ExternalID, false)
	if err != nil {
		return nil, c.classify("list calendar objects", err, rec)
	}

	plan := planFetch(cal.ExternalID, members, req.Known)
	ctag := serverCTag
	if ctag == "" {
		ctag = plan.derivedCTag
		if ctag == req.Cursor.CTag {
			return &provider.Changes{NotModified: true, Cursor: provider.Cursor{CTag: ctag}}, nil
		}
	}

	changes := &provider.Changes{
		Full:      true,
		Unchanged: plan.unchanged,
		Cursor:    provider.Cursor{CTag: ctag},
	}

	loc := loadLocation(cal.TimeZone)
	for start := 0; start < len(plan.fetch); start += multiGetBatch {
		end := min(start+multiGetBatch, len(plan.fetch))
		objects, err := c.caldavClient.MultiGetCalendar(ctx, cal.ExternalID, &caldav.CalendarMultiGet{
			Paths: plan.fetch[start:end],
			CompRequest: caldav.CalendarCompRequest{
				Name:     ical.CompCalendar,
				AllProps: true,
				AllComps: true,
			},
		})
		if err != nil {
			return nil, c.classify("fetch calendar objects", err, rec)
		}
		for _, obj := range objects {
			if obj.Data == nil {
				changes.Skipped++
				continue
			}
			etag := obj.ETag
			if etag == "" {
				etag = plan.etags[obj.Path]
			}
			if err := collectObject(changes, obj.Path, etag, obj.Data, loc); err != nil {
				c.logger.Warn("Skipping unparseable calendar object", "path", obj.Path, "error", err)
				changes.Skipped++
			}
		}
	}

	c.logger.Info("Successfully fetched events from CalDAV",
		"provider", c.kind, "calendar", cal.ExternalID, "fetched", len(plan.fetch), "unchanged", len(plan.unchanged))
	return changes, nil
}

type fetchPlan struct {
	fetch       []string
	unchanged   []string
	etags       map[string]string
	derivedCTag string
}

// planFetch splits the collection members into resources to download and
// known ids that can be kept as they are. Override ids ("path#rid") of an
// unchanged resource are unchanged too.
func planFetch(collection string, members []webdav.FileInfo, known map[string]string) fetchPlan {
	plan := fetchPlan{etags: make(map[string]string)}

	byResource := make(map[string][]string)
	for id := range known {
		resource, _, _ := strings.Cut(id, "#")
		byResource[resource] = append(byResource[resource], id)
	}

	var lines []string
	for _, m := range members {
		if m.IsDir || strings.TrimSuffix(m.Path, "/") == strings.TrimSuffix(collection, "/") {
			continue
		}
		plan.etags[m.Path] = m.ETag
		lines = append(lines, m.Path+"="+m.ETag)

		if etag, ok := known[m.Path]; ok && etag != "" && etag == m.ETag {
			plan.unchanged = append(plan.unchanged, byResource[m.Path]...)
			continue
		}
		plan.fetch = append(plan.fetch, m.Path)
	}

	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	plan.derivedCTag = "derived:" + hex.EncodeToString(sum[:])
	sort.Strings(plan.unchanged)
	return plan
}

// CreateEvent stores a new resource named after the event's UID.
func (c *Client) CreateEvent(ctx context.Context, cal provider.CalendarRef, data provider.EventData) (*provider.Remote, error) {
	ctx, rec := withStatus(ctx)

	uid := data.ICSUID
	if uid == "" {
		uid = GenerateUID()
	}
	data.ICSUID = uid
	eventPath := path.Join(cal.ExternalID, uid+".ics")

	obj, err := c.caldavClient.PutCalendarObject(ctx, eventPath, buildCalendar(data))
	if err != nil {
		return nil, c.classify("create event", err, rec)
	}
	c.logger.Info("Successfully created CalDAV event", "provider", c.kind, "path", eventPath)

	remote := &provider.Remote{ExternalID: eventPath, ICSUID: uid}
	if obj != nil {
		remote.ETag = obj.ETag
	}
	return remote, nil
}

// UpdateEvent reads the resource, applies the patch to the addressed
// component and writes it back.
func (c *Client) UpdateEvent(ctx context.Context, cal provider.CalendarRef, externalID string, patch provider.EventPatch) error {
	ctx, rec := withStatus(ctx)
	resource, rid, _ := strings.Cut(externalID, "#")

	obj, err := c.caldavClient.GetCalendarObject(ctx, resource)
	if err != nil {
		return c.classify("get event", err, rec)
	}
	if err := patchCalendar(obj.Data, rid, patch); err != nil {
		return provider.Wrap(provider.ErrParse, c.kind, "update event", err)
	}
	if _, err := c.caldavClient.PutCalendarObject(ctx, resource, obj.Data); err != nil {
		return c.classify("update event", err, rec)
	}
	c.logger.Debug("Updated CalDAV event", "provider", c.kind, "path", externalID)
	return nil
}

// DeleteEvent removes a resource. Deleting an override instance removes the
// override and excludes its instant from the series instead.
func (c *Client) DeleteEvent(ctx context.Context, cal provider.CalendarRef, externalID string) error {
	ctx, rec := withStatus(ctx)
	resource, rid, isOverride := strings.Cut(externalID, "#")

	if isOverride {
		obj, err := c.caldavClient.GetCalendarObject(ctx, resource)
		if err != nil {
			if rec.get() == http.StatusNotFound {
				return nil
			}
			return c.classify("get event", err, rec)
		}
		if err := removeOverride(obj.Data, rid); err != nil {
			return provider.Wrap(provider.ErrParse, c.kind, "delete event", err)
		}
		if _, err := c.caldavClient.PutCalendarObject(ctx, resource, obj.Data); err != nil {
			return c.classify("delete event", err, rec)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(resource), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Wrap(provider.ErrTransient, c.kind, "delete event", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil
	case resp.StatusCode >= 400:
		return c.statusError("delete event", resp.StatusCode)
	}
	c.logger.Info("Successfully deleted CalDAV event", "provider", c.kind, "path", externalID)
	return nil
}

func (c *Client) resolve(p string) string {
	return c.endpoint.ResolveReference(&url.URL{Path: p}).String()
}

func (c *Client) statusError(op string, code int) error {
	err := fmt.Errorf("caldav server returned %d %s", code, http.StatusText(code))
	if kind := provider.ClassifyStatus(code); kind != nil {
		return provider.Wrap(kind, c.kind, op, err)
	}
	return err
}

// classify maps a go-webdav failure onto the provider error taxonomy using
// the status recorded by the transport.
func (c *Client) classify(op string, err error, rec *statusRecorder) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if code := rec.get(); code != 0 {
		if code == http.StatusForbidden {
			// iCloud answers 403 for revoked app-specific passwords.
			return provider.Wrap(provider.ErrCredentialExpired, c.kind, op, err)
		}
		if kind := provider.ClassifyStatus(code); kind != nil {
			return provider.Wrap(kind, c.kind, op, err)
		}
		return fmt.Errorf("caldav %s: %w", op, err)
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return provider.Wrap(provider.ErrTransient, c.kind, op, err)
	}
	return fmt.Errorf("caldav %s: %w", op, err)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
