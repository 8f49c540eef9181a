package transactions

import (
	"context"
	"fmt"
	"time"

	"github.com/brett19/dtxn/kv"
)

// Replace implements spec.md §4.4.3.
func (t *transactionAttempt) Replace(ctx context.Context, doc *GetResult, content []byte) (*GetResult, error) {
	t.beginOp()
	defer t.endOp()

	if err := t.checkCanPerformOp(); err != nil {
		return nil, t.contextFailed(err)
	}
	if err := t.checkExpired(ctx, hookStageReplace, doc.ID.Key, false); err != nil {
		t.setExpiryOvertime()
		return nil, t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionExpired})
	}

	if doc.txnMeta != nil && doc.txnMeta.ID.AttemptID != t.id {
		if err := t.resolveBlockingForReplace(ctx, doc); err != nil {
			return nil, err
		}
	}

	if err := t.selectATRAndPend(ctx, doc.ID); err != nil {
		if tof, ok := err.(*TransactionOperationFailedError); ok {
			return nil, tof
		}
		return nil, t.contextFailed(err)
	}

	var restore *txnXattrRestoreJSON
	if doc.txnMeta == nil {
		restore = &txnXattrRestoreJSON{Cas: formatCas(doc.Cas)}
	}

	newCas, err := t.stageReplace(ctx, doc.ID, content, doc.Cas, restore)
	if err != nil {
		return nil, err
	}

	return &GetResult{ID: doc.ID, Cas: newCas, Value: content}, nil
}

func (t *transactionAttempt) stageReplace(ctx context.Context, id kv.DocumentId, content []byte, cas kv.Cas, restore *txnXattrRestoreJSON) (kv.Cas, error) {
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeStagedReplace, t.id, id.Key); err != nil {
		return 0, t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	agent, _, err := t.resolveAgent(ctx, id.BucketName)
	if err != nil {
		return 0, t.contextFailed(err)
	}

	ops, err := t.buildStagedXattrOps(id, content, mutationTypeReplace, restore)
	if err != nil {
		return 0, t.contextFailed(err)
	}

	for {
		res, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key:            id,
			Ops:            ops,
			Cas:            cas,
			StoreSemantics: kv.StoreSemanticsReplace,
			AccessDeleted:  true,
			Durability:     t.durabilityLevel,
		})
		if err == nil {
			if existing := t.staged.find(id, StagedMutationTypeInsert); existing != nil {
				existing.Staged = content
				existing.Cas = res.Cas
				t.staged.add(existing)
			} else {
				t.staged.add(&StagedMutation{OpType: StagedMutationTypeReplace, Key: id, Cas: res.Cas, Staged: content})
			}
			return res.Cas, invokeHookWithDocID(ctx, t.hooks.AfterStagedReplaceComplete, t.id, id.Key)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			return 0, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
		case TransactionErrorClassFailAmbiguous:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailDocNotFound, TransactionErrorClassFailDocAlreadyExists, TransactionErrorClassFailCasMismatch, TransactionErrorClassFailTransient:
			return 0, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		case TransactionErrorClassFailHard:
			return 0, t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
		default:
			return 0, t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		}
	}
}

func (t *transactionAttempt) resolveBlockingForReplace(ctx context.Context, doc *GetResult) error {
	atrBucket := doc.txnMeta.ATR.Bucket
	if atrBucket == "" {
		atrBucket = doc.ID.BucketName
	}
	foreignAgent, _, err := t.resolveAgent(ctx, atrBucket)
	if err != nil {
		return t.contextFailed(err)
	}
	foreignLoc := atrLocationKey{bucket: atrBucket, scope: doc.txnMeta.ATR.Scope, collection: doc.txnMeta.ATR.Collection, key: doc.txnMeta.ATR.ID}
	if foreignLoc.scope == "" {
		foreignLoc.scope = "_default"
	}
	if err := t.writeWriteConflictPoll(ctx, doc.ID, foreignLoc, foreignAgent, doc.txnMeta.ID.AttemptID); err != nil {
		return t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionFailed})
	}
	return nil
}

func formatCas(cas kv.Cas) string {
	return fmt.Sprintf("0x%016x", uint64(cas))
}
