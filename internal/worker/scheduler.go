package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"calhub/internal/models"
)

// DefaultSchedule syncs every account every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// AccountLister lists the accounts to sync.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context) ([]*models.CalendarAccount, error)
}

// Submitter accepts account syncs.
type Submitter interface {
	Submit(accountID string) error
}

// Scheduler submits every active account to the pool on a cron schedule.
type Scheduler struct {
	logger   *slog.Logger
	accounts AccountLister
	pool     Submitter
	cron     *cron.Cron
}

// NewScheduler creates a scheduler for a standard five-field cron spec.
func NewScheduler(logger *slog.Logger, accounts AccountLister, pool Submitter, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		logger:   logger,
		accounts: accounts,
		pool:     pool,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Sync scheduler started")
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
}

// Tick submits every active account once. Accounts that do not fit in the
// queue wait for the next tick. It returns the number submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list accounts for scheduled sync", "error", err)
		return 0
	}

	submitted := 0
	for _, acc := range accounts {
		if acc.Provider == models.ProviderLocal {
			continue
		}
		err := s.pool.Submit(acc.ID)
		switch {
		case errors.Is(err, ErrQueueFull):
			s.logger.Warn("Sync queue full, deferring remaining accounts", "deferred", len(accounts)-submitted)
			return submitted
		case err != nil:
			s.logger.Error("Failed to submit scheduled sync", "accountID", acc.ID, "error", err)
			return submitted
		}
		submitted++
	}
	s.logger.Debug("Scheduled sync tick", "accounts", submitted)
	return submitted
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
