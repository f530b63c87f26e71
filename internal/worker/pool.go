// Package worker runs account syncs in the background.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"calhub/internal/syncer"
)

var (
	// ErrQueueFull is returned by Submit when no more syncs can be queued.
	ErrQueueFull = errors.New("sync queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("sync pool is stopped")
)

// DefaultWorkers is the number of accounts synced at once.
const DefaultWorkers = 4

// AccountSyncer syncs one account.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string) *syncer.Report
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// OnReport receives every finished report. It runs on the worker
	// goroutine.
	OnReport func(*syncer.Report)
}

// Pool is a bounded queue of account syncs served by a fixed number of
// workers. An account that is already queued or running is not queued twice.
type Pool struct {
	logger *slog.Logger
	syncer AccountSyncer
	config PoolConfig

	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool and starts its workers.
func NewPool(logger *slog.Logger, s AccountSyncer, config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.Workers * 16
	}

	p := &Pool{
		logger:  logger,
		syncer:  s,
		config:  config,
		queue:   make(chan string, config.QueueSize),
		pending: make(map[string]struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Info("Sync pool started", "workers", config.Workers, "queueSize", config.QueueSize)
	return p
}

// Submit queues a sync of accountID without blocking.
func (p *Pool) Submit(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.pending[accountID]; ok {
		p.logger.Debug("Account sync already pending", "accountID", accountID)
		return nil
	}
	select {
	case p.queue <- accountID:
		p.pending[accountID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued or running syncs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stop refuses new submissions and waits for the queue to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Sync pool stopped")
}

func (p *Pool) work() {
	defer p.wg.Done()
	for accountID := range p.queue {
		p.run(accountID)
	}
}

func (p *Pool) run(accountID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Account sync panicked", "accountID", accountID,
				"error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		p.mu.Lock()
		delete(p.pending, accountID)
		p.mu.Unlock()
	}()

	report := p.syncer.SyncAccount(context.Background(), accountID)
	if report == nil {
		return
	}
	if len(report.Errors) > 0 {
		p.logger.Warn("Account sync finished with errors", "accountID", accountID,
			"errors", len(report.Errors), "needsReconnect", report.NeedsReconnect)
	} else {
		p.logger.Info("Account sync finished", "accountID", accountID,
			"imported", report.Imported, "updated", report.Updated, "deleted", report.Deleted)
	}
	if p.config.OnReport != nil {
		p.config.OnReport(report)
	}
}
