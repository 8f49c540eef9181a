package transactions

// The JSON-on-the-wire shapes stored under the reserved "txn." xattr
// prefix (spec.md §6) and the ATR document's "attempts" map (§6 ATR
// layout). Field names are bit-exact with spec.md; these mirror the
// teacher's xattr_types.go structuring.

type txnStateJSON string

const (
	txnStatePending    txnStateJSON = "PENDING"
	txnStateCommitted  txnStateJSON = "COMMITTED"
	txnStateCompleted  txnStateJSON = "COMPLETED"
	txnStateAborted    txnStateJSON = "ABORTED"
	txnStateRolledBack txnStateJSON = "ROLLED_BACK"
)

type mutationTypeJSON string

const (
	mutationTypeInsert  mutationTypeJSON = "insert"
	mutationTypeReplace mutationTypeJSON = "replace"
	mutationTypeRemove  mutationTypeJSON = "remove"
)

// atrMutationJSON is one entry of the ATR's ins/rep/rem arrays.
type atrMutationJSON struct {
	Bucket     string `json:"bkt"`
	Scope      string `json:"scp"`
	Collection string `json:"col"`
	Key        string `json:"id"`
}

// atrAttemptJSON is the value at attempts.<id> on the ATR document.
type atrAttemptJSON struct {
	TransactionID    string            `json:"tid"`
	ExpiresAfterMS    uint32            `json:"exp"`
	State            txnStateJSON      `json:"st"`
	StartTimestamp    string            `json:"tst,omitempty"`
	StartCommitTimestamp string         `json:"tsc,omitempty"`
	CompletedTimestamp  string          `json:"tsco,omitempty"`
	RollbackStartTimestamp string       `json:"tsrs,omitempty"`
	RolledBackTimestamp string          `json:"tsrc,omitempty"`
	Inserts          []atrMutationJSON `json:"ins,omitempty"`
	Replaces         []atrMutationJSON `json:"rep,omitempty"`
	Removes          []atrMutationJSON `json:"rem,omitempty"`
	Durability       string            `json:"d,omitempty"`
	ForwardCompat    forwardCompatJSON `json:"fc,omitempty"`
}

// txnXattrIDsJSON is txn.id.*.
type txnXattrIDsJSON struct {
	TransactionID string `json:"txn"`
	AttemptID     string `json:"atmpt"`
}

// txnXattrATRJSON is txn.atr.*.
type txnXattrATRJSON struct {
	ID         string `json:"id"`
	Bucket     string `json:"bkt"`
	Collection string `json:"coll"`
	Scope      string `json:"scp,omitempty"`
}

// txnXattrOpJSON is txn.op.*.
type txnXattrOpJSON struct {
	Type    mutationTypeJSON `json:"type"`
	Staged  any              `json:"stgd,omitempty"`
	Crc32   string           `json:"crc32,omitempty"`
}

// txnXattrRestoreJSON is txn.restore.*, used to revert a replace/remove on
// rollback to the document's pre-transaction metadata.
type txnXattrRestoreJSON struct {
	Cas      string `json:"CAS"`
	ExpTime  uint32 `json:"exptime"`
	RevID    string `json:"revid"`
}

// txnXattrJSON is the full "txn" top-level xattr on a staged document.
type txnXattrJSON struct {
	ID            txnXattrIDsJSON      `json:"id"`
	ATR           txnXattrATRJSON      `json:"atr"`
	Operation     txnXattrOpJSON       `json:"op"`
	Restore       *txnXattrRestoreJSON `json:"restore,omitempty"`
	ForwardCompat forwardCompatJSON    `json:"fc,omitempty"`
}

// docMetaJSON is the subset of the server's "$document" virtual xattr that
// cleanup's CRC guard needs: the live document body's checksum.
type docMetaJSON struct {
	CRC32 string `json:"value_crc32c"`
}

// forwardCompatEntryJSON is one entry of a forward-compat block: the
// protocol extension, the behavior code, and whether retry is allowed.
type forwardCompatEntryJSON struct {
	ProtocolExtension string `json:"p,omitempty"`
	Behaviour         string `json:"b,omitempty"`
	RetryAllowed      *bool  `json:"ra,omitempty"`
}

// forwardCompatJSON maps a named stage to the list of compat entries that
// gate whether an older client may act on a newer writer's artifacts.
type forwardCompatJSON map[string][]forwardCompatEntryJSON
