package transactions

import (
	"errors"

	"github.com/brett19/dtxn/kv"
)

// classifyError maps a raw server/transport outcome to exactly one
// TransactionErrorClass (spec.md §4.1). It is pure and side-effect-free:
// downstream retry/rollback/expire policy is decided entirely by call
// sites consulting the returned class, never here.
//
// This completes a classification table that exists only as a commented-
// out sketch upstream; every condition spec.md §4.1 enumerates is mapped
// below with no placeholder branches.
func classifyError(err error) *classifiedError {
	if err == nil {
		return &classifiedError{Source: err, Class: TransactionErrorClassFailOther}
	}

	ec := TransactionErrorClassFailOther

	switch {
	case errors.Is(err, ErrWriteWriteConflict):
		ec = TransactionErrorClassFailWriteWriteConflict
	case errors.Is(err, ErrTestHard), errors.Is(err, kv.ErrCircuitBreakerOpen), errors.Is(err, kv.ErrClosedInFlight):
		ec = TransactionErrorClassFailHard
	case errors.Is(err, ErrAttemptExpired):
		ec = TransactionErrorClassFailExpiry
	case errors.Is(err, ErrTestTransient), errors.Is(err, kv.ErrTemporaryFailure), errors.Is(err, kv.ErrDurableWriteInProgress), errors.Is(err, kv.ErrUnambiguousTimeout):
		ec = TransactionErrorClassFailTransient
	case errors.Is(err, ErrDocNotFound), errors.Is(err, kv.ErrDocumentNotFound):
		ec = TransactionErrorClassFailDocNotFound
	case errors.Is(err, ErrTestAmbiguous), errors.Is(err, kv.ErrDurabilityAmbiguous), errors.Is(err, kv.ErrAmbiguousTimeout), errors.Is(err, kv.ErrRequestCanceled):
		ec = TransactionErrorClassFailAmbiguous
	case errors.Is(err, kv.ErrCasMismatch):
		ec = TransactionErrorClassFailCasMismatch
	case errors.Is(err, ErrDocExists), errors.Is(err, kv.ErrDocumentExists):
		ec = TransactionErrorClassFailDocAlreadyExists
	case errors.Is(err, kv.ErrPathExists):
		ec = TransactionErrorClassFailPathAlreadyExists
	case errors.Is(err, kv.ErrPathNotFound):
		ec = TransactionErrorClassFailPathNotFound
	case errors.Is(err, kv.ErrValueTooLarge), errors.Is(err, kv.ErrTooBig):
		ec = TransactionErrorClassFailOutOfSpace
	case errors.Is(err, ErrTestOther):
		ec = TransactionErrorClassFailOther
	}

	return &classifiedError{
		Source: err,
		Class:  ec,
	}
}

// classifyHookError classifies the synthetic error a test hook returns.
// Hooks are the only place synthetic errors enter the engine in a
// production build (spec.md §4.7); production hooks are no-ops that never
// produce an error for this to classify.
func classifyHookError(err error) *classifiedError {
	return classifyError(err)
}
