package transactions

import "go.uber.org/zap"

// operationFailedDef is the input to operationFailed: the classified cause
// plus the retry/rollback/commit policy the call site has decided on.
type operationFailedDef struct {
	Cerr              *classifiedError
	ShouldNotRetry    bool
	ShouldNotRollback bool
	CanStillCommit    bool
	Reason            TransactionErrorReason
}

// applyStateBits CAS-loops the new flags into the attempt's state bits,
// additionally bit-packing the highest-precedence error reason seen so
// far into the upper bits (mirrors the teacher's bit-packed scheme).
func (t *transactionAttempt) applyStateBits(stateBits uint32, errorBits uint32) {
	for {
		oldBits := t.stateBits.Load()
		newBits := oldBits | stateBits
		if errorBits > (oldBits&transactionStateBitsMaskFinalError)>>transactionStateBitsPositionFinalError {
			newBits = (newBits & transactionStateBitsMaskBits) | (errorBits << transactionStateBitsPositionFinalError)
		}

		t.logger.Debug("applying state bits",
			zap.Uint32("stateBits", stateBits),
			zap.Uint32("errorBits", errorBits),
			zap.Uint32("oldStateBits", oldBits),
			zap.Uint32("newStateBits", newBits))

		if t.stateBits.CAS(oldBits, newBits) {
			return
		}
	}
}

// contextFailed wraps a non-op-specific failure (e.g. a context
// cancellation observed outside any single get/insert/replace/remove).
func (t *transactionAttempt) contextFailed(err error) *TransactionOperationFailedError {
	return t.operationFailed(operationFailedDef{
		Cerr:              classifyError(err),
		ShouldNotRetry:    true,
		ShouldNotRollback: false,
		Reason:            TransactionErrorReasonTransactionFailed,
	})
}

// operationFailed builds the user-visible error, logs it, and folds its
// policy into the attempt's state bits.
func (t *transactionAttempt) operationFailed(def operationFailedDef) *TransactionOperationFailedError {
	t.logger.Info("operation failed",
		zap.Bool("shouldNotRetry", def.ShouldNotRetry),
		zap.Bool("shouldNotRollback", def.ShouldNotRollback),
		zap.NamedError("cause", def.Cerr.Source),
		zap.Stringer("class", def.Cerr.Class),
		zap.Stringer("reason", def.Reason))

	err := &TransactionOperationFailedError{
		shouldNotRetry:    def.ShouldNotRetry,
		shouldNotRollback: def.ShouldNotRollback,
		errorCause:        def.Cerr.Source,
		errorClass:        def.Cerr.Class,
		shouldRaise:       def.Reason,
	}

	var bits uint32
	if !def.CanStillCommit {
		bits |= transactionStateBitShouldNotCommit
	}
	if def.ShouldNotRollback {
		bits |= transactionStateBitShouldNotRollback
	}
	if def.ShouldNotRetry {
		bits |= transactionStateBitShouldNotRetry
	}
	if def.Reason == TransactionErrorReasonTransactionExpired {
		bits |= transactionStateBitHasExpired
	}
	t.applyStateBits(bits, uint32(def.Reason))

	return err
}

// mergeOperationFailedErrors combines the failures of several concurrently
// unstaged mutations (parallel commit/rollback) into one, taking the
// highest-precedence shouldRaise and ORing the retry/rollback flags.
func mergeOperationFailedErrors(errs []*TransactionOperationFailedError) *TransactionOperationFailedError {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	shouldNotRetry := false
	shouldNotRollback := false
	var aggCauses aggregateError
	shouldRaise := TransactionErrorReasonTransactionFailed

	for _, e := range errs {
		aggCauses = append(aggCauses, e)
		if e.shouldNotRetry {
			shouldNotRetry = true
		}
		if e.shouldNotRollback {
			shouldNotRollback = true
		}
		if e.shouldRaise > shouldRaise {
			shouldRaise = e.shouldRaise
		}
	}

	return &TransactionOperationFailedError{
		shouldNotRetry:    shouldNotRetry,
		shouldNotRollback: shouldNotRollback,
		errorCause:        aggCauses,
		shouldRaise:       shouldRaise,
		errorClass:        TransactionErrorClassFailOther,
	}
}
