package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"calhub/internal/models"
)

// DefaultRateLimitBackoff is how long an account stays blocked after the
// provider rate-limits it.
const DefaultRateLimitBackoff = 60 * time.Second

// Breakers keeps one circuit breaker per account. A breaker opens on the
// first rate-limit response and rejects every call for that account until
// the backoff elapses. Other failures do not count against it.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	backoff  time.Duration
	logger   *slog.Logger
}

// NewBreakers creates an empty breaker set.
func NewBreakers(logger *slog.Logger, backoff time.Duration) *Breakers {
	if backoff <= 0 {
		backoff = DefaultRateLimitBackoff
	}
	return &Breakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		backoff:  backoff,
		logger:   logger,
	}
}

func (b *Breakers) get(accountID string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[accountID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        accountID,
		MaxRequests: 1,
		Timeout:     b.backoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("Rate limit breaker state changed", "accountID", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[accountID] = cb
	return cb
}

// Open reports whether calls for the account are currently rejected.
func (b *Breakers) Open(accountID string) bool {
	return b.get(accountID).State() == gobreaker.StateOpen
}

// Do runs fn under the account's breaker.
func (b *Breakers) Do(accountID string, fn func() error) error {
	_, err := b.get(accountID).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: ErrRateLimited, Op: "breaker", Err: err}
	}
	return err
}

// Guard wraps an adapter so every call passes through the account's breaker.
func (b *Breakers) Guard(accountID string, a Adapter) Adapter {
	return &guarded{accountID: accountID, next: a, breakers: b}
}

type guarded struct {
	accountID string
	next      Adapter
	breakers  *Breakers
}

func (g *guarded) Kind() models.ProviderKind { return g.next.Kind() }

func (g *guarded) ListCalendars(ctx context.Context) ([]CalendarRef, error) {
	var out []CalendarRef
	err := g.breakers.Do(g.accountID, func() error {
		var err error
		out, err = g.next.ListCalendars(ctx)
		return err
	})
	return out, err
}

func (g *guarded) ListEvents(ctx context.Context, cal CalendarRef, req ListRequest) (*Changes, error) {
	var out *Changes
	err := g.breakers.Do(g.accountID, func() error {
		var err error
		out, err = g.next.ListEvents(ctx, cal, req)
		return err
	})
	return out, err
}

func (g *guarded) CreateEvent(ctx context.Context, cal CalendarRef, data EventData) (*Remote, error) {
	var out *Remote
	err := g.breakers.Do(g.accountID, func() error {
		var err error
		out, err = g.next.CreateEvent(ctx, cal, data)
		return err
	})
	return out, err
}

func (g *guarded) UpdateEvent(ctx context.Context, cal CalendarRef, externalID string, patch EventPatch) error {
	return g.breakers.Do(g.accountID, func() error {
		return g.next.UpdateEvent(ctx, cal, externalID, patch)
	})
}

func (g *guarded) DeleteEvent(ctx context.Context, cal CalendarRef, externalID string) error {
	return g.breakers.Do(g.accountID, func() error {
		return g.next.DeleteEvent(ctx, cal, externalID)
	})
}
