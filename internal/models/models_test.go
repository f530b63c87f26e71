package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncState_Lifecycle(t *testing.T) {
	st := NewSyncState("acc", "cal")
	assert.Equal(t, SyncIdle, st.Status)
	assert.True(t, st.NeedsFullSync())

	st.MarkSyncing()
	st.MarkFailure(errors.New("boom"))
	st.MarkFailure(errors.New("boom again"))
	assert.Equal(t, SyncError, st.Status)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, "boom again", st.LastError)

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st.MarkSuccess("tok", "", at)
	assert.Equal(t, SyncIdle, st.Status)
	assert.Zero(t, st.ErrorCount)
	assert.Empty(t, st.LastError)
	assert.False(t, st.NeedsFullSync())
	assert.Equal(t, at, st.LastSyncAt)

	st.ResetCursor()
	assert.True(t, st.NeedsFullSync())
}

func TestRecurrence_AddExDate(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata not available")
	}
	rec := &Recurrence{RRule: "FREQ=DAILY"}
	d := time.Date(2025, 3, 4, 10, 0, 0, 0, berlin)

	assert.True(t, rec.AddExDate(d))
	assert.False(t, rec.AddExDate(d.UTC()), "same instant in another zone")
	assert.True(t, rec.HasExDate(d))
	assert.Len(t, rec.ExDates, 1)
	assert.Equal(t, time.UTC, rec.ExDates[0].Location())
}

func TestEvent_Validate(t *testing.T) {
	start := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	ev := &Event{Start: start, End: start}
	assert.NoError(t, ev.Validate(), "zero-length events are allowed")

	ev.End = start.Add(-time.Minute)
	assert.ErrorIs(t, ev.Validate(), ErrInvalidTimeRange)
}

func TestProviderKind(t *testing.T) {
	tests := []struct {
		kind   ProviderKind
		valid  bool
		remote bool
		oauth  bool
		caldav bool
	}{
		{ProviderGoogle, true, true, true, false},
		{ProviderMicrosoft, true, true, true, false},
		{ProviderICloud, true, true, false, true},
		{ProviderCalDAV, true, true, false, true},
		{ProviderLocal, true, false, false, false},
		{ProviderKind("yahoo"), false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.kind.IsValid())
			assert.Equal(t, tt.remote, tt.kind.IsRemote())
			assert.Equal(t, tt.oauth, tt.kind.UsesOAuth())
			assert.Equal(t, tt.caldav, tt.kind.UsesCalDAV())
		})
	}
}

func TestParseEventStatus(t *testing.T) {
	assert.Equal(t, StatusCancelled, ParseEventStatus("CANCELLED"))
	assert.Equal(t, StatusTentative, ParseEventStatus("tentative"))
	assert.Equal(t, StatusConfirmed, ParseEventStatus("whatever"))
}
