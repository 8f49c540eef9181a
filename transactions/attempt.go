package transactions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brett19/dtxn/kv"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AttemptRecord is the durable-in-process-memory record of one execution
// of the user closure (spec.md §3). It is appended to a TransactionContext
// at the start of each attempt and never mutated after the attempt
// concludes.
type AttemptRecord struct {
	ID                string
	State             AttemptState
	InsertedIDs       []kv.DocumentId
	ReplacedIDs       []kv.DocumentId
	RemovedIDs        []kv.DocumentId
	StartTime         time.Time
	StartCommitTime   time.Time
	RollbackStartTime time.Time
	CompletedTime     time.Time
	FinalError        error
}

// transactionAttempt is the single-attempt executor: the Attempt Engine of
// spec.md §4.4. All exported behavior is reached through Transaction,
// which owns the currently-running attempt.
type transactionAttempt struct {
	id            string
	transactionID string

	expiryTime time.Time
	startTime  time.Time

	durabilityLevel         DurabilityLevel
	enableParallelUnstaging bool

	bucketAgentProvider BucketAgentProviderFn
	metadataOverride    *ATRLocation

	hooks             TransactionHooks
	cleanupHooks      TransactionCleanupHooks
	clientRecordHooks TransactionClientRecordHooks

	cleanupQueue *CleanupQueue

	logger *zap.Logger

	mu sync.Mutex

	state State

	atrAgent          kv.Agent
	atrOboUser        string
	atrBucketName     string
	atrScopeName      string
	atrCollectionName string
	atrKey            string
	atrSelected       bool
	atrWaitCh         chan struct{}

	staged *stagedMutationSet

	stateBits atomic.Uint32
	overtime  atomic.Bool

	opsInFlight sync.WaitGroup
	opsCount    atomic.Int32

	record AttemptRecord
}

// State mirrors AttemptState but lives behind the attempt's mutex since
// transitions must be observed together with other attempt-local state.
type State = AttemptState

// newTransactionAttempt builds one attempt. expiryTime/startTime are pinned
// once on the owning Transaction and passed in unchanged on every retry
// (spec.md §4.5): the deadline bounds the whole transaction, not each
// individual attempt.
func newTransactionAttempt(cfg Config, transactionID string, atrOverride *ATRLocation, startTime, expiryTime time.Time) *transactionAttempt {
	id := newUUID()
	now := time.Now()
	a := &transactionAttempt{
		id:                  id,
		transactionID:       transactionID,
		expiryTime:          expiryTime,
		startTime:           startTime,
		durabilityLevel:         cfg.DurabilityLevel,
		enableParallelUnstaging: cfg.EnableParallelUnstaging,
		bucketAgentProvider: cfg.BucketAgentProvider,
		metadataOverride:    atrOverride,
		hooks:               cfg.Hooks,
		cleanupHooks:        cfg.CleanupHooks,
		clientRecordHooks:   cfg.ClientRecordHooks,
		logger:              cfg.Logger,
		staged:              newStagedMutationSet(),
		atrWaitCh:           make(chan struct{}),
		record: AttemptRecord{
			ID:        id,
			State:     AttemptStateNothingWritten,
			StartTime: now,
		},
	}
	return a
}

func (t *transactionAttempt) getState() AttemptState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transactionAttempt) setState(s AttemptState) {
	t.mu.Lock()
	t.state = s
	t.record.State = s
	switch s {
	case AttemptStateCommitting:
		t.record.StartCommitTime = time.Now()
	case AttemptStateAborted:
		t.record.RollbackStartTime = time.Now()
	case AttemptStateCompleted, AttemptStateRolledBack:
		t.record.CompletedTime = time.Now()
	}
	t.mu.Unlock()
}

// beginOp registers one outstanding operation so the engine can wait for
// all in-flight ops to drain before commit/rollback (spec.md §4.4.7,
// §4.4.8 precondition "op queue drained").
func (t *transactionAttempt) beginOp() {
	t.opsInFlight.Add(1)
	t.opsCount.Inc()
}

func (t *transactionAttempt) endOp() {
	t.opsCount.Dec()
	t.opsInFlight.Done()
}

func (t *transactionAttempt) waitForOps() {
	t.opsInFlight.Wait()
}

// hasExpired reports whether the attempt's client-side deadline has
// passed, honoring the HasExpiredClientSideHook override (spec.md §4.4.9).
func (t *transactionAttempt) hasExpired(ctx context.Context, stage, docID string) bool {
	if t.hooks.HasExpiredClientSideHook != nil {
		if t.hooks.HasExpiredClientSideHook(ctx, stage, docID) {
			return true
		}
	}
	return time.Now().After(t.expiryTime)
}

func (t *transactionAttempt) isExpiryOvertime() bool {
	return t.overtime.Load()
}

func (t *transactionAttempt) setExpiryOvertime() {
	t.overtime.Store(true)
}

// checkExpired consults hasExpired, suppressing the check entirely when
// already in overtime and proceedInOvertime is requested (spec.md §4.4.9).
func (t *transactionAttempt) checkExpired(ctx context.Context, stage, docID string, proceedInOvertime bool) error {
	if t.isExpiryOvertime() && proceedInOvertime {
		return nil
	}
	if t.hasExpired(ctx, stage, docID) {
		return ErrAttemptExpired
	}
	return nil
}

// checkCanPerformOp validates that the attempt is in a state where a new
// get/insert/replace/remove may begin.
func (t *transactionAttempt) checkCanPerformOp() error {
	bits := t.loadStateBits()
	if bits&transactionStateBitShouldNotCommit != 0 && bits&transactionStateBitShouldNotRollback != 0 {
		return ErrPreviousOperationFailed
	}
	switch t.getState() {
	case AttemptStateCompleted, AttemptStateRolledBack, AttemptStateAborted, AttemptStateCommitting, AttemptStateCommitted:
		return ErrIllegalState
	}
	return nil
}

func (t *transactionAttempt) checkCanCommit() error {
	bits := t.loadStateBits()
	if bits&transactionStateBitShouldNotCommit != 0 {
		return ErrPreviousOperationFailed
	}
	switch t.getState() {
	case AttemptStateCommitting, AttemptStateCommitted, AttemptStateCompleted, AttemptStateAborted, AttemptStateRolledBack:
		return fmt.Errorf("%w: cannot commit from state %s", ErrIllegalState, t.getState())
	}
	return nil
}

func (t *transactionAttempt) checkCanRollback() error {
	bits := t.loadStateBits()
	if bits&transactionStateBitShouldNotRollback != 0 {
		return ErrPreviousOperationFailed
	}
	switch t.getState() {
	case AttemptStateRolledBack, AttemptStateCompleted:
		return fmt.Errorf("%w: cannot rollback from state %s", ErrIllegalState, t.getState())
	}
	return nil
}

func (t *transactionAttempt) loadStateBits() uint32 {
	return t.stateBits.Load()
}

// resolveAgent resolves a kv.Agent for the bucket the given document
// lives in, via the configured BucketAgentProvider.
func (t *transactionAttempt) resolveAgent(ctx context.Context, bucketName string) (kv.Agent, string, error) {
	if t.bucketAgentProvider == nil {
		return nil, "", fmt.Errorf("transactions: no bucket agent provider configured")
	}
	return t.bucketAgentProvider(ctx, bucketName)
}

// CanCommit reports whether the attempt has neither committed, rolled
// back, nor been marked unable to commit.
func (t *transactionAttempt) CanCommit() bool {
	return t.checkCanCommit() == nil
}

// ShouldRetry reports whether the transactionStateBitShouldNotRetry bit is
// clear.
func (t *transactionAttempt) ShouldRetry() bool {
	return t.loadStateBits()&transactionStateBitShouldNotRetry == 0
}

func (t *transactionAttempt) hasExpiredBit() bool {
	return t.loadStateBits()&transactionStateBitHasExpired != 0
}

// finalErrorReason extracts the bit-packed highest-precedence error reason
// applied across every operationFailed call this attempt has seen.
func (t *transactionAttempt) finalErrorReason() TransactionErrorReason {
	bits := t.loadStateBits()
	return TransactionErrorReason((bits & transactionStateBitsMaskFinalError) >> transactionStateBitsPositionFinalError)
}
