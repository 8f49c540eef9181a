package transactions

import (
	"context"
	"encoding/json"

	"github.com/brett19/dtxn/kv"
)

// docSnapshot is the raw result of a subdoc lookup fetching the "txn"
// xattr plus the document body and deleted flag (spec.md §4.4.1 step 3,
// the "access-deleted lookup").
type docSnapshot struct {
	cas     kv.Cas
	deleted bool
	body    []byte
	txn     *txnXattrJSON
}

func (t *transactionAttempt) fetchDocSnapshot(ctx context.Context, id kv.DocumentId, accessDeleted bool) (*docSnapshot, error) {
	agent, _, err := t.resolveAgent(ctx, id.BucketName)
	if err != nil {
		return nil, err
	}

	res, err := agent.LookupIn(ctx, kv.LookupInOptions{
		Key: id,
		Ops: []kv.LookupInOp{
			{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
			{Op: kv.LookupInOpTypeGetDoc},
		},
		AccessDeleted: accessDeleted,
	})
	if err != nil {
		return nil, err
	}

	snap := &docSnapshot{cas: res.Cas, deleted: res.IsDeleted}
	if res.Ops[0].Err == nil {
		var txn txnXattrJSON
		if err := json.Unmarshal(res.Ops[0].Value, &txn); err == nil {
			snap.txn = &txn
		}
	}
	if res.Ops[1].Err == nil {
		snap.body = res.Ops[1].Value
	}
	return snap, nil
}

// Get implements spec.md §4.4.1. failIfNotFound distinguishes get (fails
// on not-found) from get_optional (returns ok=false).
func (t *transactionAttempt) Get(ctx context.Context, id kv.DocumentId, failIfNotFound bool) (*GetResult, bool, error) {
	t.beginOp()
	defer t.endOp()

	if err := t.checkCanPerformOp(); err != nil {
		return nil, false, t.contextFailed(err)
	}
	if err := t.checkExpired(ctx, hookStageGet, id.Key, false); err != nil {
		return nil, false, t.operationFailed(operationFailedDef{
			Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionExpired,
		})
	}
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeDocGet, t.id, id.Key); err != nil {
		return nil, false, t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	if m := t.staged.findAny(id); m != nil {
		switch m.OpType {
		case StagedMutationTypeInsert, StagedMutationTypeReplace:
			return &GetResult{ID: id, Cas: m.Cas, Value: m.Staged}, true, nil
		case StagedMutationTypeRemove:
			if failIfNotFound {
				return nil, false, t.operationFailed(operationFailedDef{
					Cerr: classifyError(ErrDocNotFound), Reason: TransactionErrorReasonTransactionFailed,
				})
			}
			return nil, false, nil
		}
	}

	for {
		snap, err := t.fetchDocSnapshot(ctx, id, true)
		if err != nil {
			cls := classifyError(err)
			switch cls.Class {
			case TransactionErrorClassFailDocNotFound:
				if failIfNotFound {
					return nil, false, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
				}
				return nil, false, nil
			case TransactionErrorClassFailTransient:
				continue
			case TransactionErrorClassFailExpiry:
				t.setExpiryOvertime()
				return nil, false, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
			case TransactionErrorClassFailHard:
				return nil, false, t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
			default:
				return nil, false, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
			}
		}

		if snap.deleted && snap.txn == nil {
			if failIfNotFound {
				return nil, false, t.operationFailed(operationFailedDef{Cerr: classifyError(ErrDocNotFound), Reason: TransactionErrorReasonTransactionFailed})
			}
			return nil, false, nil
		}

		if snap.txn != nil && snap.txn.ID.AttemptID != t.id {
			resolved, err := t.resolveForeignStagedRead(ctx, id, snap)
			if err != nil {
				return nil, false, err
			}
			if resolved == nil {
				if failIfNotFound {
					return nil, false, t.operationFailed(operationFailedDef{Cerr: classifyError(ErrDocNotFound), Reason: TransactionErrorReasonTransactionFailed})
				}
				return nil, false, nil
			}
			return resolved, true, nil
		}

		if err := t.checkForwardCompat(snap, "GETS"); err != nil {
			return nil, false, t.operationFailed(operationFailedDef{
				Cerr: classifyError(err), ShouldNotRetry: true, Reason: TransactionErrorReasonTransactionFailed,
			})
		}

		return &GetResult{ID: id, Cas: snap.cas, Value: snap.body, Deleted: snap.deleted, txnMeta: snap.txn}, true, nil
	}
}

// resolveForeignStagedRead implements spec.md §4.4.1 step 4: when the
// XATTRs show a stage by a different attempt, consult that attempt's ATR
// entry to decide what a reader should see.
func (t *transactionAttempt) resolveForeignStagedRead(ctx context.Context, id kv.DocumentId, snap *docSnapshot) (*GetResult, error) {
	atrBucket := snap.txn.ATR.Bucket
	if atrBucket == "" {
		atrBucket = id.BucketName
	}
	foreignAgent, _, err := t.resolveAgent(ctx, atrBucket)
	if err != nil {
		return nil, t.contextFailed(err)
	}
	foreignLoc := atrLocationKey{
		bucket:     atrBucket,
		scope:      snap.txn.ATR.Scope,
		collection: snap.txn.ATR.Collection,
		key:        snap.txn.ATR.ID,
	}
	if foreignLoc.scope == "" {
		foreignLoc.scope = "_default"
	}

	if err := invokeHookWithDocID(ctx, t.hooks.BeforeCheckAtrEntryForBlockingDoc, t.id, id.Key); err != nil {
		return nil, t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	entry, _, err := lookupATRAttempt(ctx, foreignAgent, foreignLoc, snap.txn.ID.AttemptID)
	if err != nil {
		// Missing ATR/entry: treat as if no stage.
		return &GetResult{ID: id, Cas: snap.cas, Value: snap.body, Deleted: snap.deleted}, nil
	}

	switch entry.State {
	case txnStateCommitted:
		if snap.deleted {
			return nil, nil
		}
		return &GetResult{ID: id, Cas: snap.cas, Value: stagedContentBytes(snap.txn), Deleted: false}, nil
	case txnStateCompleted, txnStateRolledBack:
		return &GetResult{ID: id, Cas: snap.cas, Value: snap.body, Deleted: snap.deleted}, nil
	default:
		// PENDING/ABORTED: the foreign attempt hasn't reached a terminal
		// state yet. Keep txnMeta on the result so a subsequent
		// replace/remove's blocking-transaction check (spec.md §4.4.6) can
		// poll the same ATR entry rather than treating the document as
		// unstaged.
		return &GetResult{ID: id, Cas: snap.cas, Value: snap.body, Deleted: snap.deleted, txnMeta: snap.txn}, nil
	}
}

func stagedContentBytes(txn *txnXattrJSON) []byte {
	b, _ := json.Marshal(txn.Operation.Staged)
	return b
}

// checkForwardCompat runs the forward-compat check against the given
// stage name (spec.md §4.4.1 step 5). An empty/absent block is always
// compatible.
func (t *transactionAttempt) checkForwardCompat(snap *docSnapshot, stage string) error {
	if snap.txn == nil || len(snap.txn.ForwardCompat) == 0 {
		return nil
	}
	entries, ok := snap.txn.ForwardCompat[stage]
	if !ok || len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.RetryAllowed != nil && !*e.RetryAllowed {
			return ErrForwardCompatibilityFailure
		}
	}
	return nil
}
