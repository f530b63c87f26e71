package models

import "time"

// SyncStatus is the lifecycle state of a calendar sync.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncState tracks the incremental-sync cursor of one calendar.
type SyncState struct {
	AccountID  string
	CalendarID string
	SyncToken  string // opaque Google-style cursor
	CTag       string // CalDAV collection tag
	LastSyncAt time.Time
	Status     SyncStatus
	LastError  string
	ErrorCount int // consecutive failures
	UpdatedAt  time.Time
}

// NewSyncState creates an idle state with no cursor.
func NewSyncState(accountID, calendarID string) *SyncState {
	return &SyncState{
		AccountID:  accountID,
		CalendarID: calendarID,
		Status:     SyncIdle,
	}
}

// NeedsFullSync returns true if there is no cursor to resume from.
func (s *SyncState) NeedsFullSync() bool {
	return s.SyncToken == "" && s.CTag == ""
}

// MarkSyncing records that a sync attempt has started.
func (s *SyncState) MarkSyncing() {
	s.Status = SyncSyncing
}

// MarkSuccess stores the new cursor and clears the error state.
func (s *SyncState) MarkSuccess(syncToken, ctag string, at time.Time) {
	s.SyncToken = syncToken
	s.CTag = ctag
	s.LastSyncAt = at
	s.Status = SyncIdle
	s.LastError = ""
	s.ErrorCount = 0
}

// MarkFailure records a failed attempt. The cursor is kept so the next
// attempt can resume incrementally.
func (s *SyncState) MarkFailure(err error) {
	s.Status = SyncError
	s.LastError = err.Error()
	s.ErrorCount++
}

// ResetCursor forces the next sync to be a full listing.
func (s *SyncState) ResetCursor() {
	s.SyncToken = ""
	s.CTag = ""
}
