package transactions

import (
	"context"

	"github.com/brett19/dtxn/kv"
)

// Rollback implements spec.md §4.4.8. Unlike Commit, rollback is always
// attempted even from NOTHING_WRITTEN/PENDING so a caller can unconditionally
// call it on any failure path.
func (t *transactionAttempt) Rollback(ctx context.Context) error {
	t.waitForOps()

	if err := t.checkCanRollback(); err != nil {
		return t.contextFailed(err)
	}

	if !t.atrSelected {
		t.setState(AttemptStateRolledBack)
		return nil
	}

	t.setState(AttemptStateAborted)

	if err := t.setATRAbortedExclusive(ctx); err != nil {
		return t.failRollback(err)
	}

	mutations := t.staged.all()
	failures := runUnstage(mutations, t.enableParallelUnstaging, func(m *StagedMutation) *TransactionOperationFailedError {
		if err := t.unstageRollbackOne(ctx, m); err != nil {
			if tof, ok := err.(*TransactionOperationFailedError); ok {
				return tof
			}
			return t.operationFailed(operationFailedDef{Cerr: classifyError(err), Reason: TransactionErrorReasonTransactionFailed})
		}
		return nil
	})
	if merged := mergeOperationFailedErrors(failures); merged != nil {
		return merged
	}

	if err := t.setATRRolledBackExclusive(ctx); err != nil {
		return t.failRollback(err)
	}

	t.setState(AttemptStateRolledBack)
	return nil
}

func (t *transactionAttempt) failRollback(err error) *TransactionOperationFailedError {
	cls := classifyError(err)
	switch cls.Class {
	case TransactionErrorClassFailExpiry:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionExpired})
	case TransactionErrorClassFailHard:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, ShouldNotRetry: true, Reason: TransactionErrorReasonTransactionFailed})
	default:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
	}
}

// unstageRollbackOne undoes one staged mutation: an insert's staged body
// never existed to the outside, so rollback removes the (tombstoned)
// document entirely; a replace/remove's staging is discarded by clearing
// the txn XATTR prefix and leaving the original body untouched.
func (t *transactionAttempt) unstageRollbackOne(ctx context.Context, m *StagedMutation) error {
	if err := invokeHookWithDocID(ctx, t.cleanupHooks.BeforeRemoveDoc, t.id, m.Key.Key); err != nil {
		return classifyHookError(err).Source
	}

	agent, _, err := t.resolveAgent(ctx, m.Key.BucketName)
	if err != nil {
		return err
	}

	switch m.OpType {
	case StagedMutationTypeInsert:
		_, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key:            m.Key,
			Ops:            []kv.MutateInOp{{Op: kv.MutateInOpTypeDeleteDoc}},
			Cas:            m.Cas,
			StoreSemantics: kv.StoreSemanticsReplace,
			AccessDeleted:  true,
			Durability:     t.durabilityLevel,
		})
		if err != nil && classifyError(err).Class != TransactionErrorClassFailDocNotFound {
			return err
		}
		return nil
	case StagedMutationTypeReplace, StagedMutationTypeRemove:
		_, err := agent.MutateIn(ctx, kv.MutateInOptions{
			Key:            m.Key,
			Ops:            []kv.MutateInOp{{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"}},
			Cas:            m.Cas,
			StoreSemantics: kv.StoreSemanticsReplace,
			AccessDeleted:  true,
			Durability:     t.durabilityLevel,
		})
		if err != nil && classifyError(err).Class != TransactionErrorClassFailDocNotFound && classifyError(err).Class != TransactionErrorClassFailPathNotFound {
			return err
		}
		return nil
	default:
		return nil
	}
}
