package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRateLimited stops polling: the server answered 429.
	ErrRateLimited = errors.New("status polling rate limited")
	// ErrPollExhausted is returned when every attempt ran without the
	// condition being met.
	ErrPollExhausted = errors.New("status polling gave up")
)

// PollConfig bounds a Poller.
type PollConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPollConfig polls for roughly a minute.
func DefaultPollConfig() PollConfig {
	return PollConfig{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, MaxDelay: 15 * time.Second}
}

// Poller watches an account's sync status through the API.
type Poller struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	config  PollConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller for the API at baseURL.
func NewPoller(logger *slog.Logger, client *http.Client, baseURL string, config PollConfig) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	d := DefaultPollConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = d.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = d.MaxDelay
	}
	return &Poller{
		logger:  logger,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the wait before retry attempt n (0-based): BaseDelay
// doubled n times, capped at MaxDelay.
func (p *Poller) Delay(n int) time.Duration {
	d := p.config.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.config.MaxDelay {
			return p.config.MaxDelay
		}
	}
	return d
}

// WaitUntilSynced polls until no calendar of the account is syncing.
func (p *Poller) WaitUntilSynced(ctx context.Context, accountID string) (*AccountStatus, error) {
	return p.Poll(ctx, accountID, func(s *AccountStatus) bool {
		return len(s.Calendars) > 0 && !s.Syncing()
	})
}

// Poll fetches the account status until done returns true. Failed requests
// are retried with backoff; a 429 ends polling at once with ErrRateLimited.
func (p *Poller) Poll(ctx context.Context, accountID string, done func(*AccountStatus) bool) (*AccountStatus, error) {
	endpoint := p.baseURL + "/api/v1/accounts/" + url.PathEscape(accountID) + "/status"

	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		status, err := p.fetch(ctx, endpoint)
		switch {
		case errors.Is(err, ErrRateLimited):
			p.logger.Warn("Status polling rate limited, stopping", "accountID", accountID, "attempt", attempt+1)
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			p.logger.Debug("Status poll failed", "accountID", accountID, "attempt", attempt+1, "error", err)
			continue
		}
		if done(status) {
			return status, nil
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrPollExhausted, p.config.MaxAttempts)
}

func (p *Poller) fetch(ctx context.Context, endpoint string) (*AccountStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status AccountStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
