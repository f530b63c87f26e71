package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calhub/internal/models"
)

func newTestPoller(t *testing.T, handler http.HandlerFunc, cfg PollConfig) (*Poller, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewPoller(slog.New(slog.NewTextHandler(io.Discard, nil)), srv.Client(), srv.URL+"/", cfg)
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return p, &waits
}

func statusBody(status models.SyncStatus) AccountStatus {
	return AccountStatus{
		AccountID: "acc-1",
		Provider:  "google",
		Calendars: []CalendarStatus{{CalendarID: "cal-1", Status: status}},
	}
}

func TestPoller_Delay(t *testing.T) {
	p := NewPoller(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, "http://localhost",
		PollConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(30))
}

func TestPoller_WaitsUntilSynced(t *testing.T) {
	var calls atomic.Int32
	p, waits := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/acc-1/status", r.URL.Path)
		n := calls.Add(1)
		switch {
		case n == 1:
			w.WriteHeader(http.StatusInternalServerError)
		case n < 4:
			_ = json.NewEncoder(w).Encode(statusBody(models.SyncSyncing))
		default:
			_ = json.NewEncoder(w).Encode(statusBody(models.SyncIdle))
		}
	}, PollConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	status, err := p.WaitUntilSynced(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, status.Syncing())
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, *waits)
}

func TestPoller_StopsOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	p, waits := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, PollConfig{MaxAttempts: 10})

	_, err := p.WaitUntilSynced(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *waits)
}

func TestPoller_GivesUp(t *testing.T) {
	var calls atomic.Int32
	p, waits := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(statusBody(models.SyncSyncing))
	}, PollConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	_, err := p.WaitUntilSynced(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ErrPollExhausted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *waits, 2)
}

func TestPoller_ContextCancelled(t *testing.T) {
	p := NewPoller(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, "http://127.0.0.1:1",
		PollConfig{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.WaitUntilSynced(ctx, "acc-1")
	assert.ErrorIs(t, err, context.Canceled)
}
