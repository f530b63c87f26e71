// Package syncer reconciles the local store with every connected provider
// and mirrors local writes back to them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"calhub/internal/dedup"
	"calhub/internal/lock"
	"calhub/internal/models"
	"calhub/internal/provider"
	"calhub/internal/rrule"
	"calhub/internal/secret"
	"calhub/internal/store"
)

// DefaultConcurrency is how many calendars of one account sync at once.
const DefaultConcurrency = 4

// AdapterFactory builds the provider adapter for an account.
type AdapterFactory interface {
	Adapter(ctx context.Context, acc *models.CalendarAccount) (provider.Adapter, error)
}

// Options tunes a Syncer. Zero values select the defaults.
type Options struct {
	DedupPolicy dedup.Policy
	Locker      lock.Locker
	Box         secret.Box
	Concurrency int
	Now         func() time.Time
}

// Syncer orchestrates the synchronization between providers and the local
// store.
type Syncer struct {
	logger  *slog.Logger
	store   store.Store
	factory AdapterFactory
	opts    Options
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, st store.Store, factory AdapterFactory, opts Options) *Syncer {
	if opts.DedupPolicy == "" {
		opts.DedupPolicy = dedup.DefaultPolicy
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Box == nil {
		opts.Box = secret.Plain{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{logger: logger, store: st, factory: factory, opts: opts}
}

// Report summarizes one account sync.
type Report struct {
	AccountID        string              `json:"accountId"`
	Provider         models.ProviderKind `json:"provider"`
	CalendarsSynced  int                 `json:"calendarsSynced"`
	CalendarsSkipped int                 `json:"calendarsSkipped"`
	Imported         int                 `json:"imported"`
	Updated          int                 `json:"updated"`
	Duplicates       int                 `json:"duplicates"`
	Deleted          int                 `json:"deleted"`
	Errors           []CalendarError     `json:"errors,omitempty"`
	// NeedsReconnect is set when the provider rejected the credentials.
	NeedsReconnect bool `json:"needsReconnect"`
}

// CalendarError is one failure inside a sync. CalendarID is empty for
// account-level failures.
type CalendarError struct {
	CalendarID   string `json:"calendarId,omitempty"`
	CalendarName string `json:"calendarName,omitempty"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
}

func (r *Report) addError(cal *models.Calendar, err error) {
	ce := CalendarError{Kind: provider.KindName(err), Message: err.Error()}
	if cal != nil {
		ce.CalendarID = cal.ID
		ce.CalendarName = cal.Name
	}
	r.Errors = append(r.Errors, ce)
	if errors.Is(provider.KindOf(err), provider.ErrCredentialExpired) {
		r.NeedsReconnect = true
	}
}

type calendarResult struct {
	imported   int
	updated    int
	duplicates int
	deleted    int
	skipped    bool
	err        error
}

// SyncAccount synchronizes every visible calendar of an account. It never
// fails as a whole: problems are reported per calendar in the Report.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) *Report {
	report := &Report{AccountID: accountID}
	log := s.logger.With("accountID", accountID)

	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		report.addError(nil, fmt.Errorf("failed to load account: %w", err))
		return report
	}
	report.Provider = acc.Provider

	adapter, err := s.factory.Adapter(ctx, acc)
	if errors.Is(err, provider.ErrLocalAccount) {
		log.Debug("Local account has nothing to sync")
		return report
	}
	if err != nil {
		log.Error("Could not create provider adapter", "error", err)
		report.addError(nil, err)
		s.failCalendars(ctx, acc, err, log)
		return report
	}

	log.Info("Starting sync cycle", "provider", acc.Provider)

	refs, err := adapter.ListCalendars(ctx)
	if err != nil {
		log.Error("Could not list calendars", "kind", provider.KindName(err), "error", err)
		report.addError(nil, err)
		s.failCalendars(ctx, acc, err, log)
		return report
	}

	calendars, byID := s.upsertCalendars(ctx, acc, refs, report)

	var visible []*models.Calendar
	for _, cal := range calendars {
		if cal.IsVisible {
			visible = append(visible, cal)
		}
	}

	results := make([]calendarResult, len(visible))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, cal := range visible {
		g.Go(func() error {
			results[i] = s.syncCalendar(ctx, adapter, acc, cal, byID[cal.ID])
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		switch {
		case res.err != nil:
			report.addError(visible[i], res.err)
		case res.skipped:
			report.CalendarsSkipped++
		default:
			report.CalendarsSynced++
		}
		report.Imported += res.imported
		report.Updated += res.updated
		report.Duplicates += res.duplicates
		report.Deleted += res.deleted
	}

	if err := s.store.MarkAccountSynced(ctx, acc.ID, s.opts.Now()); err != nil {
		log.Error("Failed to record account sync time", "error", err)
	}

	log.Info("Sync cycle finished",
		"synced", report.CalendarsSynced, "skipped", report.CalendarsSkipped, "imported", report.Imported,
		"updated", report.Updated, "duplicates", report.Duplicates, "deleted", report.Deleted, "errors", len(report.Errors))
	return report
}

// upsertCalendars stores the listed calendars. Calendars missing from the
// listing are kept; they may only be hidden on the provider side.
func (s *Syncer) upsertCalendars(ctx context.Context, acc *models.CalendarAccount, refs []provider.CalendarRef, report *Report) ([]*models.Calendar, map[string]provider.CalendarRef) {
	var calendars []*models.Calendar
	byID := make(map[string]provider.CalendarRef, len(refs))
	for _, ref := range refs {
		cal := &models.Calendar{
			AccountID:  acc.ID,
			ExternalID: ref.ExternalID,
			Name:       ref.Name,
			Color:      ref.Color,
			TimeZone:   ref.TimeZone,
			IsVisible:  !ref.Hidden,
			IsReadOnly: ref.ReadOnly,
			IsPrimary:  ref.Primary,
		}
		created, err := s.store.UpsertCalendar(ctx, cal)
		if err != nil {
			s.logger.Error("Failed to store calendar", "accountID", acc.ID, "calendar", ref.ExternalID, "error", err)
			report.addError(cal, err)
			continue
		}
		if created {
			s.logger.Info("Discovered new calendar", "accountID", acc.ID, "calendar", cal.Name, "visible", cal.IsVisible)
		}
		calendars = append(calendars, cal)
		byID[cal.ID] = ref
	}
	return calendars, byID
}

func (s *Syncer) syncCalendar(ctx context.Context, adapter provider.Adapter, acc *models.CalendarAccount, cal *models.Calendar, ref provider.CalendarRef) calendarResult {
	log := s.logger.With("accountID", acc.ID, "calendarID", cal.ID, "calendar", cal.Name)

	release, ok, err := s.opts.Locker.TryLock(ctx, lockKey(acc.ID, cal.ID))
	if err != nil {
		return calendarResult{err: fmt.Errorf("failed to acquire sync lock: %w", err)}
	}
	if !ok {
		log.Info("Calendar sync already running, skipping")
		return calendarResult{skipped: true}
	}
	defer release()

	state, err := s.store.GetSyncState(ctx, acc.ID, cal.ID)
	if errors.Is(err, store.ErrNotFound) {
		state = models.NewSyncState(acc.ID, cal.ID)
	} else if err != nil {
		return calendarResult{err: fmt.Errorf("failed to load sync state: %w", err)}
	}
	state.MarkSyncing()
	s.saveState(ctx, state, log)

	res, cursor, err := s.importCalendar(ctx, adapter, cal, ref, state, log)
	if err != nil {
		if errors.Is(err, provider.ErrSyncTokenInvalidated) {
			state.ResetCursor()
		}
		state.MarkFailure(err)
		s.saveState(ctx, state, log)
		log.Error("Calendar sync failed", "kind", provider.KindName(err), "error", err)
		res.err = err
		return res
	}

	state.MarkSuccess(cursor.SyncToken, cursor.CTag, s.opts.Now())
	s.saveState(ctx, state, log)
	return res
}

// failCalendars records an account-level failure on the sync state of every
// visible calendar, so status readers see it without the report.
func (s *Syncer) failCalendars(ctx context.Context, acc *models.CalendarAccount, cause error, log *slog.Logger) {
	calendars, err := s.store.ListCalendars(ctx, acc.ID)
	if err != nil {
		log.Error("Failed to list calendars for failure bookkeeping", "error", err)
		return
	}
	for _, cal := range calendars {
		if !cal.IsVisible {
			continue
		}
		state, err := s.store.GetSyncState(ctx, acc.ID, cal.ID)
		if errors.Is(err, store.ErrNotFound) {
			state = models.NewSyncState(acc.ID, cal.ID)
		} else if err != nil {
			log.Error("Failed to load sync state", "calendarID", cal.ID, "error", err)
			continue
		}
		state.MarkFailure(cause)
		s.saveState(ctx, state, log)
	}
}

func (s *Syncer) saveState(ctx context.Context, state *models.SyncState, log *slog.Logger) {
	if err := s.store.UpsertSyncState(ctx, state); err != nil {
		log.Error("Failed to save sync state", "error", err)
	}
}

func lockKey(accountID, calendarID string) string {
	return "sync:" + accountID + ":" + calendarID
}

// importCalendar lists one calendar and applies the changes to the store.
func (s *Syncer) importCalendar(ctx context.Context, adapter provider.Adapter, cal *models.Calendar, ref provider.CalendarRef, state *models.SyncState, log *slog.Logger) (calendarResult, provider.Cursor, error) {
	var res calendarResult
	prev := provider.Cursor{SyncToken: state.SyncToken, CTag: state.CTag}

	known, err := s.store.ExternalETags(ctx, cal.ID)
	if err != nil {
		return res, prev, err
	}

	changes, err := adapter.ListEvents(ctx, ref, provider.ListRequest{Cursor: prev, Known: known})
	if err != nil {
		return res, prev, err
	}
	if changes.NotModified {
		log.Debug("Calendar unchanged since last sync")
		if changes.Cursor.IsZero() {
			return res, prev, nil
		}
		return res, changes.Cursor, nil
	}

	seen := make(map[string]bool, len(changes.Events)+len(changes.Unchanged))
	for _, id := range changes.Unchanged {
		seen[id] = true
	}

	for _, remote := range changes.Events {
		seen[remote.ExternalID] = true
		out, err := s.importEvent(ctx, cal, remote)
		if err != nil {
			if ctx.Err() != nil {
				return res, prev, ctx.Err()
			}
			log.Warn("Skipping event", "externalID", remote.ExternalID, "title", remote.Title, "error", err)
			continue
		}
		switch out {
		case outcomeImported:
			res.imported++
		case outcomeUpdated:
			res.updated++
		case outcomeDuplicate:
			res.duplicates++
		case outcomeImportedDuplicate:
			res.imported++
			res.duplicates++
		}
	}

	for _, id := range changes.Deleted {
		ev, err := s.store.GetEventByExternalID(ctx, cal.ID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, prev, err
		}
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, prev, err
		}
		res.deleted++
	}

	for masterID, dates := range changes.ExDates {
		if err := s.mergeExDates(ctx, cal.ID, masterID, dates); err != nil {
			log.Warn("Could not apply excluded dates", "externalID", masterID, "error", err)
		}
	}

	if changes.Full {
		n, err := s.prune(ctx, cal.ID, seen, changes.Window)
		if err != nil {
			return res, prev, err
		}
		res.deleted += n
	}

	if changes.Skipped > 0 {
		log.Warn("Some remote events could not be mapped", "skipped", changes.Skipped)
	}
	log.Info("Calendar synced", "imported", res.imported, "updated", res.updated,
		"duplicates", res.duplicates, "deleted", res.deleted, "full", changes.Full)
	return res, changes.Cursor, nil
}

// prune removes remote-backed events a complete listing no longer contains.
// For window-limited listings only events that touch the window are
// considered; a recurring master touches it when any occurrence does.
func (s *Syncer) prune(ctx context.Context, calendarID string, seen map[string]bool, window *provider.Window) (int, error) {
	events, err := s.store.ListEventsByCalendar(ctx, calendarID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, ev := range events {
		if ev.ExternalID == "" || seen[ev.ExternalID] {
			continue
		}
		if window != nil {
			inside, err := s.touchesWindow(ctx, ev, window)
			if err != nil {
				return n, err
			}
			if !inside {
				continue
			}
		}
		if err := s.store.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// touchesWindow reports whether ev, or any occurrence of its series, overlaps
// window. An unbounded series that starts before the window ends always does.
func (s *Syncer) touchesWindow(ctx context.Context, ev *models.Event, window *provider.Window) (bool, error) {
	if window.Covers(ev.Start, ev.End) {
		return true, nil
	}
	if ev.Start.After(window.End) {
		return false, nil
	}
	rec, err := s.recurrenceOf(ctx, ev)
	if err != nil || rec == nil {
		return false, err
	}
	rule, err := rrule.Parse(rec.RRule)
	if err != nil {
		// an unreadable rule cannot be bounded
		return true, nil
	}
	if rule.Count == 0 && rule.Until.IsZero() {
		return true, nil
	}
	dur := ev.End.Sub(ev.Start)
	return len(rrule.Expand(rule, ev.Start, nil, window.Start.Add(-dur), window.End, 1)) > 0, nil
}

type outcome int

const (
	outcomeImported outcome = iota + 1
	outcomeUpdated
	outcomeDuplicate
	outcomeImportedDuplicate
)

// importEvent stores one remote event. Known events are refreshed in place;
// new ones go through duplicate detection first.
func (s *Syncer) importEvent(ctx context.Context, cal *models.Calendar, remote provider.RemoteEvent) (outcome, error) {
	ev := &models.Event{
		CalendarID:  cal.ID,
		Title:       remote.Title,
		Description: remote.Description,
		Location:    remote.Location,
		Start:       remote.Start,
		End:         remote.End,
		TimeZone:    remote.TimeZone,
		AllDay:      remote.AllDay,
		Status:      remote.Status,
		Color:       remote.Color,
		ExternalID:  remote.ExternalID,
		ICSUID:      remote.ICSUID,
		ETag:        remote.ETag,
	}
	if ev.TimeZone == "" {
		ev.TimeZone = cal.TimeZone
	}
	if err := ev.Validate(); err != nil {
		return 0, provider.Wrap(provider.ErrParse, "", "import event", err)
	}

	out := outcomeUpdated
	existing, err := s.store.GetEventByExternalID(ctx, cal.ID, remote.ExternalID)
	switch {
	case err == nil:
		if existing.LinkedEventID != "" {
			stripLinked(ev)
		}
	case errors.Is(err, store.ErrNotFound):
		out = outcomeImported
		candidates, err := s.store.FindDuplicateCandidates(ctx, ev, dedup.FingerprintWindow)
		if err != nil {
			return 0, err
		}
		if match, ok := dedup.Identify(*ev, candidates); ok {
			decision := dedup.Decide(match, s.opts.DedupPolicy)
			s.logger.Debug("Duplicate event detected",
				"calendarID", cal.ID, "externalID", remote.ExternalID, "strategy", match.Strategy,
				"originalID", match.Event.ID, "policy", s.opts.DedupPolicy)
			if !decision.Import {
				return outcomeDuplicate, nil
			}
			out = outcomeImportedDuplicate
			if decision.LinkedEventID != "" {
				ev.LinkedEventID = decision.LinkedEventID
				stripLinked(ev)
			}
		}
	default:
		return 0, err
	}

	if _, err := s.store.UpsertEvent(ctx, ev); err != nil {
		return 0, err
	}
	if ev.LinkedEventID != "" {
		return out, nil
	}
	if err := s.syncRecurrence(ctx, ev, remote); err != nil {
		return 0, err
	}
	return out, nil
}

// stripLinked reduces a linked duplicate to identity, title and time span.
func stripLinked(ev *models.Event) {
	ev.Description = ""
	ev.Location = ""
}

// syncRecurrence writes or clears the recurrence of an imported event. While
// the rule is unchanged, excluded dates already known locally are kept.
func (s *Syncer) syncRecurrence(ctx context.Context, ev *models.Event, remote provider.RemoteEvent) error {
	if remote.RRule == "" {
		if ev.IsRecurring {
			return s.store.DeleteRecurrence(ctx, ev.ID)
		}
		return nil
	}

	rec := &models.Recurrence{EventID: ev.ID, RRule: remote.RRule}
	current, err := s.store.GetRecurrence(ctx, ev.ID)
	switch {
	case err == nil && current.RRule == remote.RRule:
		rec.ExDates = current.ExDates
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	for _, d := range remote.ExDates {
		rec.AddExDate(d)
	}
	if err := s.store.UpsertRecurrence(ctx, rec); err != nil {
		return err
	}
	ev.IsRecurring = true
	return nil
}

// mergeExDates adds excluded instants reported apart from the master.
func (s *Syncer) mergeExDates(ctx context.Context, calendarID, masterExternalID string, dates []time.Time) error {
	master, err := s.store.GetEventByExternalID(ctx, calendarID, masterExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := s.store.GetRecurrence(ctx, master.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	for _, d := range dates {
		if rec.AddExDate(d) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.UpsertRecurrence(ctx, rec)
}
