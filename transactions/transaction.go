package transactions

import (
	"context"
	"time"

	"github.com/brett19/dtxn/kv"
	"go.uber.org/zap"
)

// Transaction owns the sequence of attempts executed by the Driver for a
// single user-level transaction (spec.md §3, the TransactionContext). It
// tracks the ATR location chosen by the first attempt so retries reuse it
// rather than picking a new one (spec.md §4.3 invariant 4: an attempt's
// metadata collection, once selected, is fixed for the lifetime of the
// transaction), and pins a single expiry window at construction time so
// every attempt/retry shares the same deadline (spec.md §4.5, Property 4:
// bounded total wall time) instead of each attempt getting its own fresh
// ExpirationTime.
type Transaction struct {
	id           string
	cfg          Config
	logger       *zap.Logger
	cleanupQueue *CleanupQueue

	startTime  time.Time
	expiryTime time.Time

	attempts []*transactionAttempt
	current  *transactionAttempt

	atrOverride *ATRLocation
}

func newTransaction(cfg Config, cleanupQueue *CleanupQueue) *Transaction {
	now := time.Now()
	return &Transaction{
		id:           newUUID(),
		cfg:          cfg,
		logger:       cfg.Logger,
		cleanupQueue: cleanupQueue,
		startTime:    now,
		expiryTime:   now.Add(cfg.ExpirationTime),
		atrOverride:  cfg.MetadataCollection,
	}
}

// ID is the stable id shared across every attempt the Driver makes.
func (txn *Transaction) ID() string {
	return txn.id
}

// Attempts returns the history of every attempt this transaction has run
// so far, for inclusion in a surfaced TransactionFailedError or on
// success.
func (txn *Transaction) Attempts() []AttemptRecord {
	recs := make([]AttemptRecord, len(txn.attempts))
	for i, a := range txn.attempts {
		recs[i] = a.record
	}
	return recs
}

// NewAttempt starts a fresh attempt, attaching it as the current one. Once
// any prior attempt has pended an ATR, its location is reused (spec.md
// §4.3 invariant 4).
func (txn *Transaction) NewAttempt() *transactionAttempt {
	a := newTransactionAttempt(txn.cfg, txn.id, txn.atrOverride, txn.startTime, txn.expiryTime)
	a.cleanupQueue = txn.cleanupQueue
	txn.attempts = append(txn.attempts, a)
	txn.current = a
	return a
}

// lockATRLocation captures the ATR location an attempt settled on so later
// retries are pinned to the same collection.
func (txn *Transaction) lockATRLocation(loc *ATRLocation) {
	if txn.atrOverride == nil {
		txn.atrOverride = loc
	}
}

func (txn *Transaction) Current() *transactionAttempt {
	return txn.current
}

// Get/Insert/Replace/Remove/Commit/Rollback delegate to the current
// attempt, mirroring the teacher's AttemptContext facade.

func (txn *Transaction) Get(ctx context.Context, id kv.DocumentId) (*GetResult, error) {
	res, _, err := txn.current.Get(ctx, id, true)
	return res, err
}

func (txn *Transaction) GetOptional(ctx context.Context, id kv.DocumentId) (*GetResult, bool, error) {
	return txn.current.Get(ctx, id, false)
}

func (txn *Transaction) Insert(ctx context.Context, id kv.DocumentId, content []byte) error {
	return txn.current.Insert(ctx, id, content)
}

func (txn *Transaction) Replace(ctx context.Context, doc *GetResult, content []byte) (*GetResult, error) {
	return txn.current.Replace(ctx, doc, content)
}

func (txn *Transaction) Remove(ctx context.Context, doc *GetResult) error {
	return txn.current.Remove(ctx, doc)
}

func (txn *Transaction) Commit(ctx context.Context) error {
	return txn.current.Commit(ctx)
}

func (txn *Transaction) Rollback(ctx context.Context) error {
	return txn.current.Rollback(ctx)
}

func (txn *Transaction) HasExpired(ctx context.Context) bool {
	return txn.current.hasExpired(ctx, "", "")
}

func (txn *Transaction) CanCommit() bool {
	return txn.current.CanCommit()
}

func (txn *Transaction) ShouldRetry() bool {
	return txn.current.ShouldRetry()
}
