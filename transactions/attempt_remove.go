package transactions

import (
	"context"
	"time"

	"github.com/brett19/dtxn/kv"
)

// Remove implements spec.md §4.4.4.
func (t *transactionAttempt) Remove(ctx context.Context, doc *GetResult) error {
	t.beginOp()
	defer t.endOp()

	if err := t.checkCanPerformOp(); err != nil {
		return t.contextFailed(err)
	}
	if err := t.checkExpired(ctx, hookStageRemove, doc.ID.Key, false); err != nil {
		t.setExpiryOvertime()
		return t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionExpired})
	}

	if doc.txnMeta != nil && doc.txnMeta.ID.AttemptID != t.id {
		if err := t.resolveBlockingForReplace(ctx, doc); err != nil {
			return err
		}
	}

	if err := t.selectATRAndPend(ctx, doc.ID); err != nil {
		if tof, ok := err.(*TransactionOperationFailedError); ok {
			return tof
		}
		return t.contextFailed(err)
	}

	// Own-write insert becomes a discarded staged write per spec.md §4.2
	// ("remove after insert"): the insert never existed to the outside.
	if existing := t.staged.find(doc.ID, StagedMutationTypeInsert); existing != nil {
		return t.stageRemoveOfInsert(ctx, doc.ID, existing.Cas)
	}

	return t.stageRemove(ctx, doc.ID, doc.Cas, doc.Deleted)
}

// stageRemoveOfInsert unwinds an own-attempt staged insert that is itself
// being removed: the document was created as a tombstone carrying the txn
// XATTR, so undoing it is a single cas-guarded XATTR delete (leaving a
// plain, unstaged tombstone behind) rather than a full replace cycle.
func (t *transactionAttempt) stageRemoveOfInsert(ctx context.Context, id kv.DocumentId, cas kv.Cas) error {
	agent, _, err := t.resolveAgent(ctx, id.BucketName)
	if err != nil {
		return t.contextFailed(err)
	}

	for {
		_, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key: id,
			Ops: []kv.MutateInOp{
				{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
			},
			Cas:           cas,
			AccessDeleted: true,
			Durability:    t.durabilityLevel,
		})
		if err == nil {
			t.staged.remove(id)
			return nil
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
		case TransactionErrorClassFailAmbiguous:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailDocNotFound, TransactionErrorClassFailCasMismatch, TransactionErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		case TransactionErrorClassFailHard:
			return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
		default:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		}
	}
}

func (t *transactionAttempt) stageRemove(ctx context.Context, id kv.DocumentId, cas kv.Cas, accessDeleted bool) error {
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeStagedRemove, t.id, id.Key); err != nil {
		return t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	agent, _, err := t.resolveAgent(ctx, id.BucketName)
	if err != nil {
		return t.contextFailed(err)
	}

	ops, err := t.buildStagedXattrOps(id, nil, mutationTypeRemove, &txnXattrRestoreJSON{Cas: formatCas(cas)})
	if err != nil {
		return t.contextFailed(err)
	}

	for {
		res, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key:            id,
			Ops:            ops,
			Cas:            cas,
			StoreSemantics: kv.StoreSemanticsReplace,
			AccessDeleted:  accessDeleted,
			Durability:     t.durabilityLevel,
		})
		if err == nil {
			t.staged.add(&StagedMutation{OpType: StagedMutationTypeRemove, Key: id, Cas: res.Cas})
			return invokeHookWithDocID(ctx, t.hooks.AfterStagedRemoveComplete, t.id, id.Key)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
		case TransactionErrorClassFailAmbiguous:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailDocNotFound, TransactionErrorClassFailCasMismatch, TransactionErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		case TransactionErrorClassFailHard:
			return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
		default:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		}
	}
}
