package transactions

import (
	"context"

	"go.uber.org/zap"
)

// Manager is the top-level entry point an application constructs once per
// process and shares across every transaction it runs, mirroring the
// teacher's TransactionsManager. It owns the shared Cleanup Queue and
// background workers (cleanup_worker.go, lost_scanner.go).
type Manager struct {
	cfg          Config
	cleanupQueue *CleanupQueue
	cleanup      *cleanupWorker
	scanner      *lostTransactionScanner
	logger       *zap.Logger
}

// Init constructs a Manager, validating cfg and starting its background
// cleanup machinery, mirroring the teacher's InitTransactions.
func Init(cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          cfg,
		cleanupQueue: newCleanupQueue(int(cfg.CleanupQueueSize)),
		logger:       cfg.Logger,
	}

	if cfg.CleanupClientAttempts {
		m.cleanup = newCleanupWorker(cfg, m.cleanupQueue)
		m.cleanup.start()
	}
	if cfg.CleanupLostAttempts {
		m.scanner = newLostTransactionScanner(cfg)
		m.scanner.start()
	}

	return m, nil
}

// Run executes one transaction end-to-end via the Driver, applying any
// per-transaction option overrides.
func (m *Manager) Run(ctx context.Context, opts *TransactionOptions, fn AttemptFunc) (*Result, error) {
	cfg := opts.mergeOver(m.cfg)
	return Run(ctx, cfg, m.cleanupQueue, fn)
}

// Close stops the background cleanup machinery. It does not affect
// in-flight transactions.
func (m *Manager) Close() error {
	if m.cleanup != nil {
		m.cleanup.stop()
	}
	if m.scanner != nil {
		m.scanner.stop()
	}
	return nil
}
