package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/brett19/dtxn/txmetrics"
	"go.uber.org/zap"
)

// AttemptFunc is the user closure the Driver runs, once per attempt,
// against the Transaction facade (spec.md §4.5).
type AttemptFunc func(ctx context.Context, attempt *Transaction) error

// Result is the public outcome of a successful transaction (spec.md §7,
// the TransactionResult).
type Result struct {
	TransactionID     string
	UnstagingComplete bool
	Attempts          []AttemptRecord
}

// Run is the Transaction Driver's retry loop (spec.md §4.5): construct a
// fresh attempt, run the closure, commit on success, classify failures
// into retry/rollback-then-retry/give-up, and surface one of
// TransactionFailedError, TransactionExpiredError or
// TransactionCommitAmbiguousError when the transaction does not commit.
func Run(ctx context.Context, cfg Config, cleanupQueue *CleanupQueue, fn AttemptFunc) (*Result, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	txn := newTransaction(cfg, cleanupQueue)
	logger := cfg.Logger

	for attemptNum := 0; ; attemptNum++ {
		attempt := txn.NewAttempt()
		attemptStart := time.Now()
		txmetrics.RecordAttemptStarted(ctx)

		closureErr := fn(ctx, txn)

		if loc := attempt.atrLocationForRetry(); loc != nil {
			txn.lockATRLocation(loc)
		}

		if closureErr == nil {
			commitErr := txn.Commit(ctx)
			if commitErr == nil {
				txmetrics.RecordAttemptOutcome(ctx, true, time.Since(attemptStart))
				return &Result{TransactionID: txn.ID(), UnstagingComplete: true, Attempts: txn.Attempts()}, nil
			}
			closureErr = commitErr
		}

		var tof *TransactionOperationFailedError
		if !errors.As(closureErr, &tof) {
			// An error the engine never classified (e.g. the closure's own
			// business-logic error): roll back and surface it directly.
			_ = attempt.Rollback(ctx)
			txmetrics.RecordAttemptOutcome(ctx, false, time.Since(attemptStart))
			return nil, &TransactionFailedError{Cause: closureErr, Attempts: txn.Attempts()}
		}

		if tof.Rollback() {
			if rbErr := attempt.Rollback(ctx); rbErr != nil {
				logger.Warn("rollback after failed attempt itself failed", zap.Error(rbErr))
			}
		}
		txmetrics.RecordAttemptOutcome(ctx, false, time.Since(attemptStart))

		switch tof.ToRaise() {
		case TransactionErrorReasonTransactionCommitAmbiguous:
			return nil, &TransactionCommitAmbiguousError{Cause: closureErr, Attempts: txn.Attempts()}
		case TransactionErrorReasonTransactionExpired:
			txmetrics.RecordExpired(ctx)
			return nil, &TransactionExpiredError{Cause: closureErr, Attempts: txn.Attempts()}
		}

		if !tof.Retry() || attempt.hasExpired(ctx, "", "") {
			return nil, &TransactionFailedError{Cause: closureErr, Attempts: txn.Attempts()}
		}

		delay := driverBackoff(attemptNum, time.Until(attempt.expiryTime))
		if err := sleepContext(ctx, delay); err != nil {
			return nil, &TransactionFailedError{Cause: err, Attempts: txn.Attempts()}
		}
	}
}
