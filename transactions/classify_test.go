package transactions

import (
	"errors"
	"testing"

	"github.com/brett19/dtxn/kv"
	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorCompletesEveryRowOfTheTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want TransactionErrorClass
	}{
		{"write-write conflict", ErrWriteWriteConflict, TransactionErrorClassFailWriteWriteConflict},
		{"test hard", ErrTestHard, TransactionErrorClassFailHard},
		{"circuit breaker open", kv.ErrCircuitBreakerOpen, TransactionErrorClassFailHard},
		{"connection closed in flight", kv.ErrClosedInFlight, TransactionErrorClassFailHard},
		{"attempt expired", ErrAttemptExpired, TransactionErrorClassFailExpiry},
		{"test transient", ErrTestTransient, TransactionErrorClassFailTransient},
		{"temporary failure", kv.ErrTemporaryFailure, TransactionErrorClassFailTransient},
		{"durable write in progress", kv.ErrDurableWriteInProgress, TransactionErrorClassFailTransient},
		{"unambiguous timeout", kv.ErrUnambiguousTimeout, TransactionErrorClassFailTransient},
		{"doc not found (transactions)", ErrDocNotFound, TransactionErrorClassFailDocNotFound},
		{"doc not found (kv)", kv.ErrDocumentNotFound, TransactionErrorClassFailDocNotFound},
		{"test ambiguous", ErrTestAmbiguous, TransactionErrorClassFailAmbiguous},
		{"durability ambiguous", kv.ErrDurabilityAmbiguous, TransactionErrorClassFailAmbiguous},
		{"ambiguous timeout", kv.ErrAmbiguousTimeout, TransactionErrorClassFailAmbiguous},
		{"request canceled", kv.ErrRequestCanceled, TransactionErrorClassFailAmbiguous},
		{"cas mismatch", kv.ErrCasMismatch, TransactionErrorClassFailCasMismatch},
		{"doc exists (transactions)", ErrDocExists, TransactionErrorClassFailDocAlreadyExists},
		{"doc exists (kv)", kv.ErrDocumentExists, TransactionErrorClassFailDocAlreadyExists},
		{"path exists", kv.ErrPathExists, TransactionErrorClassFailPathAlreadyExists},
		{"path not found", kv.ErrPathNotFound, TransactionErrorClassFailPathNotFound},
		{"value too large", kv.ErrValueTooLarge, TransactionErrorClassFailOutOfSpace},
		{"packet too big", kv.ErrTooBig, TransactionErrorClassFailOutOfSpace},
		{"test other", ErrTestOther, TransactionErrorClassFailOther},
		{"unmapped error falls to other", errors.New("some unrelated transport error"), TransactionErrorClassFailOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			assert.Equal(t, tt.want, got.Class)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyErrorNilIsFailOther(t *testing.T) {
	got := classifyError(nil)
	assert.Equal(t, TransactionErrorClassFailOther, got.Class)
}

func TestClassifyErrorWrapsTheSourceForUnwrap(t *testing.T) {
	wrapped := errors.Join(kv.ErrCasMismatch)
	got := classifyError(wrapped)
	assert.Equal(t, TransactionErrorClassFailCasMismatch, got.Class)
	assert.Same(t, wrapped, got.Source)
}
