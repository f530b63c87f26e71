package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/rrule"
	"calhub/internal/store"
)

// ErrInvalidInput marks a write rejected before anything was stored.
var ErrInvalidInput = errors.New("invalid input")

// WriteResult is the outcome of a local write. The local change always
// succeeded; failures to mirror it upstream are reported as warnings.
type WriteResult struct {
	Event    *models.Event `json:"event"`
	Warnings []string      `json:"warnings,omitempty"`
}

func (r *WriteResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// remoteFor returns the adapter that mirrors writes to cal, or nil when the
// calendar is read-only or belongs to a local account.
func (s *Syncer) remoteFor(ctx context.Context, cal *models.Calendar) (provider.Adapter, provider.CalendarRef, error) {
	ref := provider.CalendarRef{
		ExternalID: cal.ExternalID,
		Name:       cal.Name,
		Color:      cal.Color,
		TimeZone:   cal.TimeZone,
		ReadOnly:   cal.IsReadOnly,
		Primary:    cal.IsPrimary,
	}
	if cal.IsReadOnly {
		return nil, ref, nil
	}
	acc, err := s.store.GetAccount(ctx, cal.AccountID)
	if err != nil {
		return nil, ref, err
	}
	if !acc.Provider.IsRemote() {
		return nil, ref, nil
	}
	adapter, err := s.factory.Adapter(ctx, acc)
	if errors.Is(err, provider.ErrLocalAccount) {
		return nil, ref, nil
	}
	if err != nil {
		return nil, ref, err
	}
	return adapter, ref, nil
}

func validateRule(s string) error {
	if _, err := rrule.Parse(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// CreateEvent stores a new event, with its recurrence when rec is set, and
// creates it upstream.
func (s *Syncer) CreateEvent(ctx context.Context, ev *models.Event, rec *models.Recurrence) (*WriteResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if rec != nil {
		if err := validateRule(rec.RRule); err != nil {
			return nil, err
		}
	}
	cal, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	if ev.TimeZone == "" {
		ev.TimeZone = cal.TimeZone
	}
	ev.ExternalID, ev.ETag, ev.LinkedEventID = "", "", ""

	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	if rec != nil {
		rec.EventID = ev.ID
		if err := s.store.UpsertRecurrence(ctx, rec); err != nil {
			return nil, err
		}
		ev.IsRecurring = true
	}

	res := &WriteResult{Event: ev}
	s.pushCreate(ctx, cal, ev, rec, res)
	return res, nil
}

// pushCreate creates ev upstream and adopts the remote identity.
func (s *Syncer) pushCreate(ctx context.Context, cal *models.Calendar, ev *models.Event, rec *models.Recurrence, res *WriteResult) {
	adapter, ref, err := s.remoteFor(ctx, cal)
	if err != nil {
		res.warn("calendar %s: %v", cal.Name, err)
		return
	}
	if adapter == nil {
		if cal.IsReadOnly {
			res.warn("calendar %s is read-only; change kept locally", cal.Name)
		}
		return
	}

	remote, err := adapter.CreateEvent(ctx, ref, provider.EventDataFrom(ev, rec))
	if err != nil {
		s.logger.Warn("Failed to create event upstream", "eventID", ev.ID, "calendarID", cal.ID, "error", err)
		res.warn("create in %s failed: %v", cal.Name, err)
		return
	}
	ev.ExternalID = remote.ExternalID
	ev.ETag = remote.ETag
	if remote.ICSUID != "" {
		ev.ICSUID = remote.ICSUID
	}
	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		s.logger.Error("Failed to store remote identity", "eventID", ev.ID, "externalID", remote.ExternalID, "error", err)
		res.warn("created in %s but the remote id could not be stored: %v", cal.Name, err)
		return
	}
	s.logger.Info("Created event upstream", "eventID", ev.ID, "calendarID", cal.ID, "externalID", remote.ExternalID)
}

// EventUpdate is a partial change to an event; nil fields are kept.
type EventUpdate struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	TimeZone    *string
	AllDay      *bool
	Status      *models.EventStatus
	Color       *string
	// RRule replaces the recurrence rule. An empty rule makes the event a
	// single event.
	RRule *string
}

func (u EventUpdate) apply(ev *models.Event) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&ev.Title, u.Title)
	set(&ev.Description, u.Description)
	set(&ev.Location, u.Location)
	set(&ev.TimeZone, u.TimeZone)
	set(&ev.Color, u.Color)
	if u.Start != nil {
		ev.Start = *u.Start
	}
	if u.End != nil {
		ev.End = *u.End
	}
	if u.AllDay != nil {
		ev.AllDay = *u.AllDay
	}
	if u.Status != nil {
		ev.Status = *u.Status
	}
}

// patch builds the upstream patch carrying only the updated fields. A
// recurrence change also carries the span it is anchored on.
func (u EventUpdate) patch(ev *models.Event, rec *provider.RecurrenceData) provider.EventPatch {
	p := provider.EventPatch{
		Title:       u.Title,
		Description: u.Description,
		Location:    u.Location,
		Start:       u.Start,
		End:         u.End,
		TimeZone:    u.TimeZone,
		AllDay:      u.AllDay,
		Status:      u.Status,
		Recurrence:  rec,
	}
	if rec != nil {
		anchorPatch(&p, ev)
	}
	return p
}

func anchorPatch(p *provider.EventPatch, ev *models.Event) {
	p.Start = &ev.Start
	p.End = &ev.End
	p.TimeZone = &ev.TimeZone
	p.AllDay = &ev.AllDay
}

// UpdateEvent applies upd to the event and mirrors the change upstream. An
// event that was never created upstream is created there.
func (s *Syncer) UpdateEvent(ctx context.Context, id string, upd EventUpdate) (*WriteResult, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	upd.apply(ev)
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if upd.RRule != nil && *upd.RRule != "" {
		if err := validateRule(*upd.RRule); err != nil {
			return nil, err
		}
	}
	cal, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		return nil, err
	}

	var pushed *provider.RecurrenceData
	rec, err := s.updateRecurrence(ctx, ev, upd.RRule)
	if err != nil {
		return nil, err
	}
	if upd.RRule != nil {
		pushed = &provider.RecurrenceData{}
		if rec != nil {
			pushed = &provider.RecurrenceData{RRule: rec.RRule, ExDates: rec.ExDates}
		}
	}

	res := &WriteResult{Event: ev}
	if ev.ExternalID == "" {
		s.pushCreate(ctx, cal, ev, rec, res)
		return res, nil
	}

	adapter, ref, err := s.remoteFor(ctx, cal)
	if err != nil {
		res.warn("calendar %s: %v", cal.Name, err)
		return res, nil
	}
	if adapter == nil {
		return res, nil
	}
	if err := adapter.UpdateEvent(ctx, ref, ev.ExternalID, upd.patch(ev, pushed)); err != nil {
		s.logger.Warn("Failed to update event upstream", "eventID", ev.ID, "externalID", ev.ExternalID, "error", err)
		res.warn("update in %s failed: %v", cal.Name, err)
	}
	return res, nil
}

// updateRecurrence writes the rule change, if any, and returns the current
// recurrence of ev (nil for single events).
func (s *Syncer) updateRecurrence(ctx context.Context, ev *models.Event, rule *string) (*models.Recurrence, error) {
	if rule == nil {
		if !ev.IsRecurring {
			return nil, nil
		}
		rec, err := s.store.GetRecurrence(ctx, ev.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return rec, err
	}
	if *rule == "" {
		if err := s.store.DeleteRecurrence(ctx, ev.ID); err != nil {
			return nil, err
		}
		ev.IsRecurring = false
		return nil, nil
	}

	rec := &models.Recurrence{EventID: ev.ID, RRule: *rule}
	if ev.IsRecurring {
		current, err := s.store.GetRecurrence(ctx, ev.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if current != nil {
			rec.ExDates = current.ExDates
		}
	}
	if err := s.store.UpsertRecurrence(ctx, rec); err != nil {
		return nil, err
	}
	ev.IsRecurring = true
	return rec, nil
}

// DeleteEvent removes the event locally and upstream.
func (s *Syncer) DeleteEvent(ctx context.Context, id string) (*WriteResult, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	cal, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteEvent(ctx, id); err != nil {
		return nil, err
	}

	res := &WriteResult{Event: ev}
	if ev.ExternalID == "" {
		return res, nil
	}
	adapter, ref, err := s.remoteFor(ctx, cal)
	if err != nil {
		res.warn("calendar %s: %v", cal.Name, err)
		return res, nil
	}
	if adapter == nil {
		return res, nil
	}
	if err := adapter.DeleteEvent(ctx, ref, ev.ExternalID); err != nil {
		s.logger.Warn("Failed to delete event upstream", "eventID", ev.ID, "externalID", ev.ExternalID, "error", err)
		res.warn("delete in %s failed: %v", cal.Name, err)
	}
	return res, nil
}

// MoveEvent moves an event to another calendar. The local move always
// happens; deleting the old remote copy and creating the new one are
// attempted independently and each failure becomes a warning.
func (s *Syncer) MoveEvent(ctx context.Context, id, targetCalendarID string) (*WriteResult, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &WriteResult{Event: ev}
	if ev.CalendarID == targetCalendarID {
		return res, nil
	}
	src, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	dst, err := s.store.GetCalendar(ctx, targetCalendarID)
	if err != nil {
		return nil, err
	}
	var rec *models.Recurrence
	if ev.IsRecurring {
		if rec, err = s.store.GetRecurrence(ctx, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	oldExternalID := ev.ExternalID
	ev.CalendarID = dst.ID
	ev.ExternalID, ev.ETag, ev.LinkedEventID = "", "", ""
	if err := s.store.UpdateEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.logger.Info("Moved event", "eventID", ev.ID, "from", src.ID, "to", dst.ID)

	if oldExternalID != "" {
		adapter, ref, err := s.remoteFor(ctx, src)
		switch {
		case err != nil:
			res.warn("calendar %s: %v", src.Name, err)
		case adapter != nil:
			if err := adapter.DeleteEvent(ctx, ref, oldExternalID); err != nil {
				s.logger.Warn("Failed to delete moved event from source", "eventID", ev.ID, "externalID", oldExternalID, "error", err)
				res.warn("delete from %s failed: %v", src.Name, err)
			}
		}
	}

	s.pushCreate(ctx, dst, ev, rec, res)
	return res, nil
}

// AddExceptionDate excludes one instance of a recurring event and pushes the
// new exclusion list upstream.
func (s *Syncer) AddExceptionDate(ctx context.Context, eventID string, date time.Time) (*WriteResult, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.IsRecurring {
		return nil, fmt.Errorf("%w: event %s is not recurring", ErrInvalidInput, eventID)
	}
	rec, err := s.store.GetRecurrence(ctx, eventID)
	if err != nil {
		return nil, err
	}

	res := &WriteResult{Event: ev}
	if !rec.AddExDate(date) {
		return res, nil
	}
	if err := s.store.UpsertRecurrence(ctx, rec); err != nil {
		return nil, err
	}
	if ev.ExternalID == "" {
		return res, nil
	}

	cal, err := s.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	adapter, ref, err := s.remoteFor(ctx, cal)
	if err != nil {
		res.warn("calendar %s: %v", cal.Name, err)
		return res, nil
	}
	if adapter == nil {
		return res, nil
	}
	p := provider.EventPatch{Recurrence: &provider.RecurrenceData{RRule: rec.RRule, ExDates: rec.ExDates}}
	anchorPatch(&p, ev)
	if err := adapter.UpdateEvent(ctx, ref, ev.ExternalID, p); err != nil {
		s.logger.Warn("Failed to push excluded date", "eventID", ev.ID, "externalID", ev.ExternalID, "error", err)
		res.warn("exclusion in %s failed: %v", cal.Name, err)
	}
	return res, nil
}

// ConnectRequest describes an account to connect. OAuth providers carry a
// Token, CalDAV-family providers carry Basic credentials and local accounts
// carry neither.
type ConnectRequest struct {
	UserID   string
	Provider models.ProviderKind
	Email    string
	Token    *oauth2.Token
	Basic    *provider.BasicCredentials
}

// Connect verifies the credentials by listing calendars, then stores the
// account with its credentials encrypted. The caller schedules the initial
// sync.
func (s *Syncer) Connect(ctx context.Context, req ConnectRequest) (*models.CalendarAccount, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !req.Provider.IsValid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, req.Provider)
	}

	var blob []byte
	var err error
	switch {
	case req.Provider.UsesOAuth():
		if req.Token == nil {
			return nil, fmt.Errorf("%w: %s requires an oauth token", ErrInvalidInput, req.Provider.DisplayName())
		}
		blob, err = provider.EncodeOAuthToken(req.Token)
	case req.Provider.UsesCalDAV():
		if req.Basic == nil || req.Basic.Username == "" || req.Basic.Password == "" {
			return nil, fmt.Errorf("%w: %s requires a username and password", ErrInvalidInput, req.Provider.DisplayName())
		}
		blob, err = provider.EncodeBasic(*req.Basic)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	acc := &models.CalendarAccount{
		UserID:   req.UserID,
		Provider: req.Provider,
		Email:    req.Email,
		IsActive: true,
	}
	if blob != nil {
		if acc.Credentials, err = s.opts.Box.Seal(blob); err != nil {
			return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
		}
	}

	if req.Provider.IsRemote() {
		adapter, err := s.factory.Adapter(ctx, acc)
		if err != nil {
			return nil, err
		}
		if _, err := adapter.ListCalendars(ctx); err != nil {
			return nil, fmt.Errorf("failed to verify credentials: %w", err)
		}
	}

	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}

	if req.Provider == models.ProviderLocal {
		cal := &models.Calendar{
			AccountID:  acc.ID,
			ExternalID: "local",
			Name:       "Local",
			IsVisible:  true,
			IsPrimary:  true,
		}
		if _, err := s.store.UpsertCalendar(ctx, cal); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Connected account", "accountID", acc.ID, "provider", acc.Provider, "email", acc.Email)
	return acc, nil
}
