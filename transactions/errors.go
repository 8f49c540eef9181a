package transactions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors raised directly by the runtime (not classified server
// outcomes — those come from kv's sentinels via classifyError).
var (
	ErrNoAttempt                    = errors.New("transactions: no attempt in progress")
	ErrAtrFull                      = errors.New("transactions: atr is full")
	ErrAttemptExpired               = errors.New("transactions: attempt has expired")
	ErrAtrNotFound                  = errors.New("transactions: atr not found")
	ErrAtrEntryNotFound             = errors.New("transactions: atr entry not found")
	ErrIllegalState                 = errors.New("transactions: illegal state")
	ErrTransactionAbortedExternally = errors.New("transactions: aborted externally")
	ErrPreviousOperationFailed      = errors.New("transactions: a previous operation in this attempt failed")
	ErrForwardCompatibilityFailure  = errors.New("transactions: forward compatibility check failed")
	ErrDocNotFound                  = errors.New("transactions: document not found")
	ErrDocExists                    = errors.New("transactions: document already exists")
	ErrWriteWriteConflict           = errors.New("transactions: write-write conflict")
	ErrAttemptNotFound              = errors.New("transactions: attempt not found on atr")
	ErrCannotInsertAfterRemove      = errors.New("transactions: cannot insert a document already staged for removal, replace, or insert in this attempt")

	// Test-hook synthetic errors (spec.md §4.7).
	ErrTestTransient = errors.New("transactions: test hook forced FAIL_TRANSIENT")
	ErrTestHard      = errors.New("transactions: test hook forced FAIL_HARD")
	ErrTestAmbiguous = errors.New("transactions: test hook forced FAIL_AMBIGUOUS")
	ErrTestOther     = errors.New("transactions: test hook forced FAIL_OTHER")
)

// classifiedError pairs a raw cause with its TransactionErrorClass, the
// output of the pure, side-effect-free classifier (spec.md §4.1).
type classifiedError struct {
	Source error
	Class  TransactionErrorClass
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Source)
}

func (e *classifiedError) Unwrap() error {
	return e.Source
}

// TransactionOperationFailedError is raised out of every engine operation
// that fails; the Driver inspects its flags to decide retry, rollback, or
// direct propagation (spec.md §7).
type TransactionOperationFailedError struct {
	shouldNotRetry    bool
	shouldNotRollback bool
	errorCause        error
	shouldRaise       TransactionErrorReason
	errorClass        TransactionErrorClass
}

func (e *TransactionOperationFailedError) Error() string {
	return fmt.Sprintf("operation failed: raise=%s class=%s retry=%v rollback=%v: %v",
		e.shouldRaise, e.errorClass, !e.shouldNotRetry, !e.shouldNotRollback, e.errorCause)
}

func (e *TransactionOperationFailedError) Unwrap() error {
	return e.errorCause
}

// Retry reports whether the Driver may retry the whole transaction.
func (e *TransactionOperationFailedError) Retry() bool {
	return !e.shouldNotRetry
}

// Rollback reports whether the Driver must roll back before retrying or
// propagating.
func (e *TransactionOperationFailedError) Rollback() bool {
	return !e.shouldNotRollback
}

// ToRaise is the surfaced exception category this failure maps to.
func (e *TransactionOperationFailedError) ToRaise() TransactionErrorReason {
	return e.shouldRaise
}

func (e *TransactionOperationFailedError) ErrorClass() TransactionErrorClass {
	return e.errorClass
}

func (e *TransactionOperationFailedError) InternalUnwrap() error {
	return e.errorCause
}

func (e *TransactionOperationFailedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Retry    bool   `json:"retry"`
		Rollback bool   `json:"rollback"`
		Raise    string `json:"raise"`
		Class    string `json:"class"`
		Cause    string `json:"cause"`
	}{
		Retry:    e.Retry(),
		Rollback: e.Rollback(),
		Raise:    e.shouldRaise.String(),
		Class:    e.errorClass.String(),
		Cause:    fmt.Sprint(e.errorCause),
	})
}

// aggregateError merges the causes of several operations that failed
// concurrently (e.g. during parallel unstaging) into a single error value.
type aggregateError []error

func (e aggregateError) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e aggregateError) Is(target error) bool {
	for _, err := range e {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeWriteConflictError names the document whose foreign staged write
// could not be resolved within the blocking-transaction sub-deadline.
type writeWriteConflictError struct {
	Bucket, Scope, Collection, Key string
	Source                         error
}

func (e *writeWriteConflictError) Error() string {
	return fmt.Sprintf("write-write conflict on %s.%s.%s.%s: %v", e.Bucket, e.Scope, e.Collection, e.Key, e.Source)
}

func (e *writeWriteConflictError) Unwrap() error {
	return e.Source
}

// forwardCompatError names the document whose forward-compat block this
// client cannot safely act on.
type forwardCompatError struct {
	Bucket, Scope, Collection, Key string
}

func (e *forwardCompatError) Error() string {
	return fmt.Sprintf("forward compatibility failure on %s.%s.%s.%s", e.Bucket, e.Scope, e.Collection, e.Key)
}

// Surfaced, user-visible error taxonomy (spec.md §7). These wrap the
// attempt history so callers can inspect every attempt the driver made.

// TransactionFailedError means the transaction rolled back; Cause is the
// underlying error and Attempts the full attempt history.
type TransactionFailedError struct {
	Cause    error
	Attempts []AttemptRecord
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s): %v", len(e.Attempts), e.Cause)
}

func (e *TransactionFailedError) Unwrap() error { return e.Cause }

// TransactionExpiredError means the configured expiration elapsed; a
// best-effort rollback was attempted.
type TransactionExpiredError struct {
	Cause    error
	Attempts []AttemptRecord
}

func (e *TransactionExpiredError) Error() string {
	return fmt.Sprintf("transaction expired after %d attempt(s): %v", len(e.Attempts), e.Cause)
}

func (e *TransactionExpiredError) Unwrap() error { return e.Cause }

// TransactionCommitAmbiguousError means commit passed the point of no
// return but the final durability acknowledgement was lost.
type TransactionCommitAmbiguousError struct {
	Cause    error
	Attempts []AttemptRecord
}

func (e *TransactionCommitAmbiguousError) Error() string {
	return fmt.Sprintf("transaction commit ambiguous after %d attempt(s): %v", len(e.Attempts), e.Cause)
}

func (e *TransactionCommitAmbiguousError) Unwrap() error { return e.Cause }

func marshalErrorToJSON(err error) []byte {
	var top *TransactionOperationFailedError
	if errors.As(err, &top) {
		b, e := top.MarshalJSON()
		if e == nil {
			return b
		}
	}
	b, _ := json.Marshal(struct {
		Cause string `json:"cause"`
	}{Cause: err.Error()})
	return b
}
