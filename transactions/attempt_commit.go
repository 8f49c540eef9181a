package transactions

import (
	"context"
	"encoding/json"

	"github.com/brett19/dtxn/kv"
)

// Commit implements spec.md §4.4.7. The preconditions (op queue drained,
// not already terminal) are checked before any network activity.
func (t *transactionAttempt) Commit(ctx context.Context) error {
	t.waitForOps()

	if err := t.checkCanCommit(); err != nil {
		return t.contextFailed(err)
	}

	if !t.atrSelected {
		// No mutation ever ran: there is no ATR entry to transition.
		t.setState(AttemptStateCompleted)
		return nil
	}

	if err := invokeHook(ctx, t.hooks.BeforeCommit, t.id); err != nil {
		return t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
	}

	t.setState(AttemptStateCommitting)

	if err := t.setATRCommittedExclusive(ctx, false); err != nil {
		return t.failCommit(err)
	}
	t.setState(AttemptStateCommitted)

	mutations := t.staged.all()
	failures := runUnstage(mutations, t.enableParallelUnstaging, func(m *StagedMutation) *TransactionOperationFailedError {
		if err := t.unstageOne(ctx, m); err != nil {
			if tof, ok := err.(*TransactionOperationFailedError); ok {
				return tof
			}
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(err), CanStillCommit: true, Reason: TransactionErrorReasonTransactionFailedPostCommit,
			})
		}
		return nil
	})
	if merged := mergeOperationFailedErrors(failures); merged != nil {
		// The ATR already says COMMITTED: cleanup will finish unstaging
		// any documents this pass missed.
		return merged
	}

	if err := t.setATRCompletedExclusive(ctx); err != nil {
		// errFailedPostCommit (wrapped) still means the attempt's writes
		// are durable; only the ATR housekeeping failed, and cleanup
		// will remove the stale entry later.
		t.setState(AttemptStateCompleted)
		return nil
	}

	t.setState(AttemptStateCompleted)
	return nil
}

func (t *transactionAttempt) failCommit(err error) *TransactionOperationFailedError {
	cls := classifyError(err)
	switch cls.Class {
	case TransactionErrorClassFailExpiry:
		return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
	case TransactionErrorClassFailHard:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, ShouldNotRetry: true, Reason: TransactionErrorReasonTransactionFailed})
	case TransactionErrorClassFailAmbiguous:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionCommitAmbiguous})
	default:
		return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRollback: true, Reason: TransactionErrorReasonTransactionFailed})
	}
}

// unstageOne applies one staged mutation to the real document: insert and
// replace become a durable SET of the staged body with the txn XATTR
// prefix cleared; remove becomes a durable document delete.
func (t *transactionAttempt) unstageOne(ctx context.Context, m *StagedMutation) error {
	if err := invokeHookWithDocID(ctx, t.cleanupHooks.BeforeCommitDoc, t.id, m.Key.Key); err != nil {
		return classifyHookError(err).Source
	}

	agent, _, err := t.resolveAgent(ctx, m.Key.BucketName)
	if err != nil {
		return err
	}

	switch m.OpType {
	case StagedMutationTypeRemove:
		_, err := agent.Delete(ctx, kv.DeleteOptions{Key: m.Key, Cas: m.Cas, Durability: t.durabilityLevel})
		if err != nil && classifyError(err).Class != TransactionErrorClassFailDocNotFound {
			return err
		}
		return nil
	case StagedMutationTypeInsert:
		return t.unstageInsertDoc(ctx, agent, m)
	case StagedMutationTypeReplace:
		return t.unstageSetDoc(ctx, agent, m)
	default:
		return nil
	}
}

func normalizedStagedBody(staged []byte) ([]byte, error) {
	var body any
	if len(staged) > 0 {
		if err := json.Unmarshal(staged, &body); err != nil {
			body = string(staged)
		}
	}
	return json.Marshal(body)
}

// unstageInsertDoc finalizes a staged insert. Ordinarily the document was
// created at staging time as a server-side tombstone (CreateAsDeleted), so
// the finishing write is a plain Add: the server allows Add to resurrect a
// deleted document, which simultaneously clears the txn XATTR. When Add
// reports that the document already exists (it is live rather than a
// tombstone), this falls back to a forced replace, mirroring the teacher's
// commitStagedInsert falling through to commitStagedReplace on
// FailDocAlreadyExists.
func (t *transactionAttempt) unstageInsertDoc(ctx context.Context, agent kv.Agent, m *StagedMutation) error {
	bodyB, err := normalizedStagedBody(m.Staged)
	if err != nil {
		return err
	}

	_, err = agent.Add(ctx, kv.StoreOptions{Key: m.Key, Value: bodyB, Durability: t.durabilityLevel})
	if err == nil {
		return nil
	}

	cls := classifyError(err)
	if cls.Class == TransactionErrorClassFailDocAlreadyExists {
		return t.forceSetDoc(ctx, agent, m.Key, bodyB)
	}
	return err
}

func (t *transactionAttempt) unstageSetDoc(ctx context.Context, agent kv.Agent, m *StagedMutation) error {
	bodyB, err := normalizedStagedBody(m.Staged)
	if err != nil {
		return err
	}

	ops := []kv.MutateInOp{
		{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
		{Op: kv.MutateInOpTypeSetDoc, Value: bodyB},
	}

	_, err = agent.MutateIn(ctx, kv.MutateInOptions{
		Key:            m.Key,
		Ops:            ops,
		Cas:            m.Cas,
		StoreSemantics: kv.StoreSemanticsReplace,
		Durability:     t.durabilityLevel,
	})
	if err == nil {
		return nil
	}

	cls := classifyError(err)
	if cls.Class == TransactionErrorClassFailDocNotFound || cls.Class == TransactionErrorClassFailCasMismatch {
		// Already unstaged by a racing cleanup pass or a retried commit.
		return nil
	}
	return err
}

// forceSetDoc overwrites the document body unconditionally (cas-less),
// clearing the txn XATTR. Used only when the ordinary cas-guarded path
// cannot apply because the document's tombstone/liveness state didn't
// match what staging expected.
func (t *transactionAttempt) forceSetDoc(ctx context.Context, agent kv.Agent, id kv.DocumentId, bodyB []byte) error {
	ops := []kv.MutateInOp{
		{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
		{Op: kv.MutateInOpTypeSetDoc, Value: bodyB},
	}
	_, err := agent.MutateIn(ctx, kv.MutateInOptions{
		Key:            id,
		Ops:            ops,
		StoreSemantics: kv.StoreSemanticsReplace,
		Durability:     t.durabilityLevel,
	})
	if err == nil {
		return nil
	}
	cls := classifyError(err)
	if cls.Class == TransactionErrorClassFailDocNotFound {
		return nil
	}
	return err
}
