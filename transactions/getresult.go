package transactions

import (
	"github.com/brett19/dtxn/kv"
)

// GetResult is the read snapshot returned by transactionAttempt.Get: the
// TransactionGetResult of spec.md §3, restricted to the fields a caller
// needs to subsequently replace/remove the document.
type GetResult struct {
	ID      kv.DocumentId
	Cas     kv.Cas
	Value   []byte
	Deleted bool

	// txnMeta, when non-nil, is the foreign transaction's staging metadata
	// observed on this document at read time, retained so replace/remove
	// can detect "I'm replacing my own staged write" or re-run blocking
	// resolution cheaply.
	txnMeta *txnXattrJSON
}
