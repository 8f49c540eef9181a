package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brett19/dtxn/kv"
)

// Insert implements spec.md §4.4.2.
func (t *transactionAttempt) Insert(ctx context.Context, id kv.DocumentId, content []byte) error {
	t.beginOp()
	defer t.endOp()

	if err := t.checkCanPerformOp(); err != nil {
		return t.contextFailed(err)
	}
	if err := t.staged.checkOwnWriteConflict(id, StagedMutationTypeInsert); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(err), ShouldNotRetry: true, Reason: TransactionErrorReasonTransactionFailed,
		})
	}
	if err := t.checkExpired(ctx, hookStageInsert, id.Key, false); err != nil {
		t.setExpiryOvertime()
		return t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionExpired})
	}

	if err := t.selectATRAndPend(ctx, id); err != nil {
		if tof, ok := err.(*TransactionOperationFailedError); ok {
			return tof
		}
		return t.contextFailed(err)
	}

	return t.stageInsert(ctx, id, content, 0)
}

func (t *transactionAttempt) stageInsert(ctx context.Context, id kv.DocumentId, content []byte, cas kv.Cas) error {
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeStagedInsert, t.id, id.Key); err != nil {
		return t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	agent, _, err := t.resolveAgent(ctx, id.BucketName)
	if err != nil {
		return t.contextFailed(err)
	}

	ops, err := t.buildStagedXattrOps(id, content, mutationTypeInsert, nil)
	if err != nil {
		return t.contextFailed(err)
	}

	semantics := kv.StoreSemanticsInsert
	if cas != 0 {
		semantics = kv.StoreSemanticsReplace
	}

	for {
		res, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key:             id,
			Ops:             ops,
			Cas:             cas,
			StoreSemantics:  semantics,
			AccessDeleted:   true,
			CreateAsDeleted: true,
			Durability:      t.durabilityLevel,
		})
		if err == nil {
			t.staged.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: id, Cas: res.Cas, Staged: content})
			return invokeHookWithDocID(ctx, t.hooks.AfterStagedInsertComplete, t.id, id.Key)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailAmbiguous:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
		case TransactionErrorClassFailDocAlreadyExists, TransactionErrorClassFailCasMismatch:
			resolved, rerr := t.resolveConflictedInsert(ctx, id, content)
			if rerr != nil {
				return rerr
			}
			if resolved {
				return nil
			}
			continue
		case TransactionErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		default:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		}
	}
}

// resolveConflictedInsert implements spec.md §4.4.2 step 5. Returns
// (true, nil) when it has itself completed the stage (retried internally);
// (false, nil) to tell the caller to retry stageInsert once more with no
// state change needed; or a non-nil error to propagate.
func (t *transactionAttempt) resolveConflictedInsert(ctx context.Context, id kv.DocumentId, content []byte) (bool, error) {
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeGetDocInExistsDuringStagedInsert, t.id, id.Key); err != nil {
		return false, t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	snap, err := t.fetchDocSnapshot(ctx, id, true)
	if err != nil {
		cls := classifyError(err)
		if cls.Class == TransactionErrorClassFailDocNotFound {
			// Raced with a concurrent delete; caller retries with cas=0.
			return false, nil
		}
		return false, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
	}

	if snap.txn == nil {
		if snap.deleted {
			if err := t.stageInsert(ctx, id, content, snap.cas); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, t.operationFailed(operationFailedDef{
			Cerr: classifyError(ErrDocExists), ShouldNotRollback: true, Reason: TransactionErrorReasonSuccess,
		})
	}

	if snap.txn.Operation.Type != mutationTypeInsert {
		return false, t.operationFailed(operationFailedDef{
			Cerr: classifyError(ErrDocExists), ShouldNotRollback: true, Reason: TransactionErrorReasonSuccess,
		})
	}

	if snap.txn.ID.AttemptID == t.id {
		return true, t.stageInsert(ctx, id, content, snap.cas)
	}

	atrBucket := snap.txn.ATR.Bucket
	if atrBucket == "" {
		atrBucket = id.BucketName
	}
	foreignAgent, _, err := t.resolveAgent(ctx, atrBucket)
	if err != nil {
		return false, t.contextFailed(err)
	}
	foreignLoc := atrLocationKey{bucket: atrBucket, scope: snap.txn.ATR.Scope, collection: snap.txn.ATR.Collection, key: snap.txn.ATR.ID}
	if foreignLoc.scope == "" {
		foreignLoc.scope = "_default"
	}
	if err := t.writeWriteConflictPoll(ctx, id, foreignLoc, foreignAgent, snap.txn.ID.AttemptID); err != nil {
		return false, t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	return true, t.stageInsert(ctx, id, content, snap.cas)
}

// buildStagedXattrOps builds the common staging XATTR mutation ops shared
// by insert/replace/remove (spec.md §4.4.2-4).
func (t *transactionAttempt) buildStagedXattrOps(id kv.DocumentId, content []byte, opType mutationTypeJSON, restore *txnXattrRestoreJSON) ([]kv.MutateInOp, error) {
	var stagedVal any
	if content != nil {
		if err := json.Unmarshal(content, &stagedVal); err != nil {
			stagedVal = string(content)
		}
	}

	ids := txnXattrIDsJSON{TransactionID: t.transactionID, AttemptID: t.id}
	atr := txnXattrATRJSON{ID: t.atrKey, Bucket: t.atrBucketNameLocked(), Collection: t.atrCollectionName, Scope: t.atrScopeName}

	idsB, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	atrB, err := json.Marshal(atr)
	if err != nil {
		return nil, err
	}
	opTypeB, err := json.Marshal(opType)
	if err != nil {
		return nil, err
	}
	stagedB, err := json.Marshal(stagedVal)
	if err != nil {
		return nil, err
	}

	ops := []kv.MutateInOp{
		{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "txn.id", Value: idsB},
		{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "txn.atr", Value: atrB},
		{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "txn.op.type", Value: opTypeB},
		{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "txn.op.stgd", Value: stagedB},
		{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP | kv.SubdocOpFlagExpandMacros, Path: "txn.op.crc32", Value: []byte(kv.MacroValueCRC32C)},
	}
	if restore != nil {
		restoreB, err := json.Marshal(restore)
		if err != nil {
			return nil, err
		}
		ops = append(ops, kv.MutateInOp{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "txn.restore", Value: restoreB})
	}
	return ops, nil
}

func (t *transactionAttempt) atrBucketNameLocked() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.atrBucketName
}
