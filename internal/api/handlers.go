package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/store"
	"calhub/internal/syncer"
)

// Submitter queues background account syncs.
type Submitter interface {
	Submit(accountID string) error
}

// Handler serves the API endpoints.
type Handler struct {
	logger *slog.Logger
	store  store.Store
	syncer *syncer.Syncer
	pool   Submitter
}

// NewHandler creates a Handler.
func NewHandler(logger *slog.Logger, st store.Store, s *syncer.Syncer, pool Submitter) *Handler {
	return &Handler{logger: logger, store: st, syncer: s, pool: pool}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch kind := provider.KindOf(err); {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, syncer.ErrInvalidInput), errors.Is(err, models.ErrInvalidTimeRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case kind == provider.ErrCredentialExpired:
		h.logger.Warn("Provider rejected credentials", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "the provider rejected the account credentials; re-authorize the account and try again",
			"kind":  provider.KindName(err),
		})
	case kind == provider.ErrRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "the provider is rate limiting requests; try again later", "kind": provider.KindName(err)})
	case kind == provider.ErrTransient:
		c.JSON(http.StatusBadGateway, gin.H{"error": "the provider is unavailable; try again later", "kind": provider.KindName(err)})
	default:
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// Health reports whether the store is reachable.
func (h *Handler) Health(c *gin.Context) {
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type connectRequest struct {
	UserID    string              `json:"userId" binding:"required"`
	Provider  models.ProviderKind `json:"provider" binding:"required"`
	Email     string              `json:"email"`
	Token     *oauth2.Token       `json:"token"`
	Username  string              `json:"username"`
	Password  string              `json:"password"`
	ServerURL string              `json:"serverUrl"`
}

// ConnectAccount verifies and stores an account, then queues its first sync.
func (h *Handler) ConnectAccount(c *gin.Context) {
	var body connectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}

	req := syncer.ConnectRequest{
		UserID:   body.UserID,
		Provider: body.Provider,
		Email:    body.Email,
		Token:    body.Token,
	}
	if body.Provider.UsesCalDAV() {
		req.Basic = &provider.BasicCredentials{Username: body.Username, Password: body.Password, ServerURL: body.ServerURL}
	}

	acc, err := h.syncer.Connect(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acc.Provider.IsRemote() && h.pool != nil {
		if err := h.pool.Submit(acc.ID); err != nil {
			h.logger.Warn("Could not queue initial sync", "accountID", acc.ID, "error", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "connected, syncing in background", "accountId": acc.ID})
}

// DeleteAccount removes an account with everything synced from it.
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.store.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SyncAccount runs a sync in the request and returns its report.
func (h *Handler) SyncAccount(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetAccount(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.syncer.SyncAccount(c.Request.Context(), id))
}

// CalendarStatus is the sync status of one calendar.
type CalendarStatus struct {
	CalendarID string            `json:"calendarId"`
	Status     models.SyncStatus `json:"status"`
	LastSyncAt *time.Time        `json:"lastSyncAt,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
	ErrorCount int               `json:"errorCount"`
}

// AccountStatus is the sync status of an account.
type AccountStatus struct {
	AccountID  string           `json:"accountId"`
	Provider   string           `json:"provider"`
	LastSyncAt *time.Time       `json:"lastSyncAt,omitempty"`
	Calendars  []CalendarStatus `json:"calendars"`
}

// Syncing reports whether any calendar is still syncing.
func (s *AccountStatus) Syncing() bool {
	for _, c := range s.Calendars {
		if c.Status == models.SyncSyncing {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// AccountStatus returns the per-calendar sync states of an account.
func (h *Handler) AccountStatus(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := h.store.GetAccount(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	states, err := h.store.ListSyncStates(ctx, acc.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := AccountStatus{
		AccountID:  acc.ID,
		Provider:   string(acc.Provider),
		LastSyncAt: timePtr(acc.LastSyncAt),
		Calendars:  make([]CalendarStatus, 0, len(states)),
	}
	for _, st := range states {
		out.Calendars = append(out.Calendars, CalendarStatus{
			CalendarID: st.CalendarID,
			Status:     st.Status,
			LastSyncAt: timePtr(st.LastSyncAt),
			LastError:  st.LastError,
			ErrorCount: st.ErrorCount,
		})
	}
	c.JSON(http.StatusOK, out)
}

type calendarJSON struct {
	ID         string `json:"id"`
	AccountID  string `json:"accountId"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	TimeZone   string `json:"timeZone,omitempty"`
	IsVisible  bool   `json:"isVisible"`
	IsReadOnly bool   `json:"isReadOnly"`
	IsPrimary  bool   `json:"isPrimary"`
}

func toCalendarJSON(cal *models.Calendar) calendarJSON {
	return calendarJSON{
		ID:         cal.ID,
		AccountID:  cal.AccountID,
		Name:       cal.Name,
		Color:      cal.Color,
		TimeZone:   cal.TimeZone,
		IsVisible:  cal.IsVisible,
		IsReadOnly: cal.IsReadOnly,
		IsPrimary:  cal.IsPrimary,
	}
}

// ListCalendars returns the calendars of an account.
func (h *Handler) ListCalendars(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := h.store.GetAccount(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	cals, err := h.store.ListCalendars(ctx, acc.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]calendarJSON, 0, len(cals))
	for _, cal := range cals {
		out = append(out, toCalendarJSON(cal))
	}
	c.JSON(http.StatusOK, out)
}

// UpdateCalendar shows or hides a calendar.
func (h *Handler) UpdateCalendar(c *gin.Context) {
	var body struct {
		Visible *bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Visible == nil {
		badRequest(c, "visible is required")
		return
	}
	ctx := c.Request.Context()
	if err := h.store.SetCalendarVisibility(ctx, c.Param("id"), *body.Visible); err != nil {
		h.writeError(c, err)
		return
	}
	cal, err := h.store.GetCalendar(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCalendarJSON(cal))
}

type eventJSON struct {
	ID            string             `json:"id"`
	CalendarID    string             `json:"calendarId"`
	Title         string             `json:"title"`
	Description   string             `json:"description,omitempty"`
	Location      string             `json:"location,omitempty"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	TimeZone      string             `json:"timeZone,omitempty"`
	AllDay        bool               `json:"allDay"`
	Status        models.EventStatus `json:"status"`
	Color         string             `json:"color,omitempty"`
	ExternalID    string             `json:"externalId,omitempty"`
	IsRecurring   bool               `json:"isRecurring"`
	LinkedEventID string             `json:"linkedEventId,omitempty"`
}

func toEventJSON(ev *models.Event) eventJSON {
	return eventJSON{
		ID:            ev.ID,
		CalendarID:    ev.CalendarID,
		Title:         ev.Title,
		Description:   ev.Description,
		Location:      ev.Location,
		Start:         ev.Start,
		End:           ev.End,
		TimeZone:      ev.TimeZone,
		AllDay:        ev.AllDay,
		Status:        ev.Status,
		Color:         ev.Color,
		ExternalID:    ev.ExternalID,
		IsRecurring:   ev.IsRecurring,
		LinkedEventID: ev.LinkedEventID,
	}
}

type writeResponse struct {
	Event    eventJSON `json:"event"`
	Warnings []string  `json:"warnings,omitempty"`
}

func toWriteResponse(res *syncer.WriteResult) writeResponse {
	return writeResponse{Event: toEventJSON(res.Event), Warnings: res.Warnings}
}

type createEventRequest struct {
	CalendarID  string    `json:"calendarId" binding:"required"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	TimeZone    string    `json:"timeZone"`
	AllDay      bool      `json:"allDay"`
	Status      string    `json:"status"`
	Color       string    `json:"color"`
	RRule       string    `json:"rrule"`
}

// CreateEvent creates an event and mirrors it upstream.
func (h *Handler) CreateEvent(c *gin.Context) {
	var body createEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if body.Start.IsZero() || body.End.IsZero() {
		badRequest(c, "start and end are required")
		return
	}

	ev := &models.Event{
		CalendarID:  body.CalendarID,
		Title:       body.Title,
		Description: body.Description,
		Location:    body.Location,
		Start:       body.Start,
		End:         body.End,
		TimeZone:    body.TimeZone,
		AllDay:      body.AllDay,
		Status:      models.ParseEventStatus(body.Status),
		Color:       body.Color,
	}
	var rec *models.Recurrence
	if body.RRule != "" {
		rec = &models.Recurrence{RRule: body.RRule}
	}

	res, err := h.syncer.CreateEvent(c.Request.Context(), ev, rec)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toWriteResponse(res))
}

type updateEventRequest struct {
	CalendarID  *string    `json:"calendarId"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	Start       *time.Time `json:"start"`
	End         *time.Time `json:"end"`
	TimeZone    *string    `json:"timeZone"`
	AllDay      *bool      `json:"allDay"`
	Status      *string    `json:"status"`
	Color       *string    `json:"color"`
	RRule       *string    `json:"rrule"`
}

func (r updateEventRequest) update() syncer.EventUpdate {
	upd := syncer.EventUpdate{
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		Start:       r.Start,
		End:         r.End,
		TimeZone:    r.TimeZone,
		AllDay:      r.AllDay,
		Color:       r.Color,
		RRule:       r.RRule,
	}
	if r.Status != nil {
		st := models.ParseEventStatus(*r.Status)
		upd.Status = &st
	}
	return upd
}

func (r updateEventRequest) empty() bool {
	return r.Title == nil && r.Description == nil && r.Location == nil && r.Start == nil && r.End == nil &&
		r.TimeZone == nil && r.AllDay == nil && r.Status == nil && r.Color == nil && r.RRule == nil
}

// UpdateEvent changes an event. A calendarId moves it to that calendar.
func (h *Handler) UpdateEvent(c *gin.Context) {
	var body updateEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	var warnings []string
	var res *syncer.WriteResult
	var err error
	if body.CalendarID != nil {
		if res, err = h.syncer.MoveEvent(ctx, id, *body.CalendarID); err != nil {
			h.writeError(c, err)
			return
		}
		warnings = append(warnings, res.Warnings...)
	}
	if !body.empty() || res == nil {
		if res, err = h.syncer.UpdateEvent(ctx, id, body.update()); err != nil {
			h.writeError(c, err)
			return
		}
		warnings = append(warnings, res.Warnings...)
	}
	res.Warnings = warnings
	c.JSON(http.StatusOK, toWriteResponse(res))
}

// DeleteEvent deletes an event locally and upstream.
func (h *Handler) DeleteEvent(c *gin.Context) {
	res, err := h.syncer.DeleteEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWriteResponse(res))
}

func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		badRequest(c, "start must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		badRequest(c, "end must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

type occurrenceJSON struct {
	EventID     string    `json:"eventId"`
	CalendarID  string    `json:"calendarId"`
	Title       string    `json:"title"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"allDay"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	InstanceKey string    `json:"instanceKey"`
}

func toOccurrencesJSON(occ []models.Occurrence) []occurrenceJSON {
	out := make([]occurrenceJSON, 0, len(occ))
	for _, o := range occ {
		out = append(out, occurrenceJSON{
			EventID:     o.EventID,
			CalendarID:  o.CalendarID,
			Title:       o.Title,
			Location:    o.Location,
			AllDay:      o.AllDay,
			Start:       o.Start,
			End:         o.End,
			InstanceKey: o.InstanceKey,
		})
	}
	return out
}

// ListOccurrences returns the unified view over a time range.
func (h *Handler) ListOccurrences(c *gin.Context) {
	start, end, ok := parseRange(c)
	if !ok {
		return
	}
	occ, err := h.syncer.Occurrences(c.Request.Context(), start, end)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOccurrencesJSON(occ))
}

// EventOccurrences expands one event over a time range.
func (h *Handler) EventOccurrences(c *gin.Context) {
	start, end, ok := parseRange(c)
	if !ok {
		return
	}
	occ, err := h.syncer.EventOccurrences(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOccurrencesJSON(occ))
}

// AddExceptionDate excludes one instance of a recurring event.
func (h *Handler) AddExceptionDate(c *gin.Context) {
	var body struct {
		Date time.Time `json:"date"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Date.IsZero() {
		badRequest(c, "date is required")
		return
	}
	res, err := h.syncer.AddExceptionDate(c.Request.Context(), c.Param("id"), body.Date)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWriteResponse(res))
}
