package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brett19/dtxn/kv"
)

// selectATRAndPend resolves the ATR for this attempt's first mutation
// (spec.md §4.3 invariant 4, §4.4.5) and writes the PENDING entry. The
// selection happens under the attempt's mutex so a concurrent first
// mutation waits and observes the already-selected ATR rather than racing
// to pick two different ones.
func (t *transactionAttempt) selectATRAndPend(ctx context.Context, firstDocID kv.DocumentId) error {
	t.mu.Lock()
	if t.atrSelected {
		t.mu.Unlock()
		<-t.atrWaitCh
		return nil
	}
	t.atrSelected = true
	t.mu.Unlock()
	defer close(t.atrWaitCh)

	if err := invokeHook(ctx, t.hooks.BeforeAtrPending, t.id); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed,
		})
	}

	var loc atrLocationKey
	var agent kv.Agent
	var oboUser string
	var err error
	if t.metadataOverride != nil {
		loc = atrLocationKey{
			bucket:     t.metadataOverride.BucketName,
			scope:      t.metadataOverride.ScopeName,
			collection: t.metadataOverride.CollectionName,
		}
		agent = t.metadataOverride.Agent
		oboUser = t.metadataOverride.OboUser
	} else {
		loc = atrLocationKey{bucket: firstDocID.BucketName, scope: "_default", collection: "_default"}
		agent, oboUser, err = t.resolveAgent(ctx, loc.bucket)
		if err != nil {
			return t.contextFailed(err)
		}
	}

	if t.hooks.RandomAtrIDForVbucket != nil {
		key, err := t.hooks.RandomAtrIDForVbucket(ctx)
		if err != nil {
			return t.operationFailed(operationFailedDef{Cerr: classifyHookError(err), Reason: TransactionErrorReasonTransactionFailed})
		}
		loc.key = key
	} else {
		loc.key = atrKeyFor(firstDocID.Key)
	}

	durStr, err := durabilityLevelToString(t.durabilityLevel)
	if err != nil {
		return t.contextFailed(err)
	}

	for {
		if err := t.checkExpired(ctx, hookStageAtrPending, "", false); err != nil {
			t.setExpiryOvertime()
			return t.operationFailed(operationFailedDef{
				Cerr: classifyError(err), ShouldNotRetry: false, Reason: TransactionErrorReasonTransactionExpired,
			})
		}

		ops, err := buildPendingOps(t.id, t.transactionID, time.Until(t.expiryTime), durStr)
		if err != nil {
			return t.contextFailed(err)
		}

		_, err = agent.MutateIn(ctx, kv.MutateInOptions{
			Key:            loc.docID(),
			Ops:            ops,
			StoreSemantics: kv.StoreSemanticsUpsert,
			Durability:     t.durabilityLevel,
		})
		if err == nil {
			break
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionExpired})
		case TransactionErrorClassFailOutOfSpace:
			return t.operationFailed(operationFailedDef{Cerr: cls, ShouldNotRetry: true, Reason: TransactionErrorReasonTransactionFailed})
		case TransactionErrorClassFailAmbiguous:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailPathAlreadyExists:
			// another concurrent write already created our attempt entry.
		case TransactionErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		default:
			return t.operationFailed(operationFailedDef{Cerr: cls, Reason: TransactionErrorReasonTransactionFailed})
		}
		break
	}

	t.mu.Lock()
	t.atrAgent = agent
	t.atrOboUser = oboUser
	t.atrBucketName = loc.bucket
	t.atrScopeName = loc.scope
	t.atrCollectionName = loc.collection
	t.atrKey = loc.key
	t.mu.Unlock()

	t.setState(AttemptStatePending)

	if t.cleanupQueue != nil {
		t.cleanupQueue.registerATR(atrRegistration{
			loc:          t.currentATRLocation(),
			attemptID:    t.id,
			minStartTime: t.expiryTime.Add(cleanupSafetyMargin),
		})
	}

	return invokeHook(ctx, t.hooks.AfterAtrPending, t.id)
}

func buildPendingOps(attemptID, transactionID string, remaining time.Duration, durStr string) ([]kv.MutateInOp, error) {
	expMS := uint32(remaining.Milliseconds())

	tidOp, err := atrFieldOp(kv.MutateInOpTypeDictAdd, attemptID, "tid", transactionID, false)
	if err != nil {
		return nil, err
	}
	stOp, err := atrFieldOp(kv.MutateInOpTypeDictAdd, attemptID, "st", string(txnStatePending), false)
	if err != nil {
		return nil, err
	}
	tstOp, err := atrFieldOp(kv.MutateInOpTypeDictAdd, attemptID, "tst", kv.MacroCas, true)
	if err != nil {
		return nil, err
	}
	expOp, err := atrFieldOp(kv.MutateInOpTypeDictAdd, attemptID, "exp", expMS, false)
	if err != nil {
		return nil, err
	}
	dOp, err := atrFieldOp(kv.MutateInOpTypeDictAdd, attemptID, "d", durStr, false)
	if err != nil {
		return nil, err
	}
	return []kv.MutateInOp{tidOp, stOp, tstOp, expOp, dOp}, nil
}

func (t *transactionAttempt) currentATRLocation() atrLocationKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return atrLocationKey{
		bucket:     t.atrBucketName,
		scope:      t.atrScopeName,
		collection: t.atrCollectionName,
		key:        t.atrKey,
	}
}

// setATRCommittedExclusive transitions the ATR entry PENDING -> COMMITTED,
// appending the inserted/replaced/removed doc records (spec.md §4.4.7
// step 1).
func (t *transactionAttempt) setATRCommittedExclusive(ctx context.Context, ambiguityResolution bool) error {
	if err := invokeHook(ctx, t.hooks.BeforeAtrCommit, t.id); err != nil {
		return classifyHookError(err).Source
	}

	entry := &atrAttemptJSON{}
	t.staged.extractToATREntry(entry)

	stOp, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "st", string(txnStateCommitted), false)
	if err != nil {
		return err
	}
	tscOp, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "tsc", kv.MacroCas, true)
	if err != nil {
		return err
	}
	ops := []kv.MutateInOp{stOp, tscOp}
	if insOp, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "ins", entry.Inserts, false); err == nil {
		ops = append(ops, insOp)
	}
	if repOp, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "rep", entry.Replaces, false); err == nil {
		ops = append(ops, repOp)
	}
	if remOp, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "rem", entry.Removes, false); err == nil {
		ops = append(ops, remOp)
	}

	for {
		_, err := t.atrAgentLocked().MutateIn(ctx, kv.MutateInOptions{
			Key:        t.currentATRLocation().docID(),
			Ops:        ops,
			Durability: t.durabilityLevel,
		})
		if err == nil {
			return invokeHook(ctx, t.hooks.AfterAtrCommit, t.id)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailAmbiguous:
			// Whether the write actually landed is unknown; reread the
			// entry's own STATUS rather than blindly re-issuing it
			// (spec.md §4.4.7 step 1), same as the already-committed
			// path below.
			if rerr := t.resolveATRCommitConflictExclusive(ctx); rerr != nil {
				return rerr
			}
			return invokeHook(ctx, t.hooks.AfterAtrCommit, t.id)
		case TransactionErrorClassFailTransient:
			return err
		case TransactionErrorClassFailPathAlreadyExists:
			return t.resolveATRCommitConflictExclusive(ctx)
		case TransactionErrorClassFailDocNotFound:
			return ErrAtrNotFound
		case TransactionErrorClassFailPathNotFound:
			return ErrAtrEntryNotFound
		case TransactionErrorClassFailOutOfSpace:
			return ErrAtrFull
		case TransactionErrorClassFailExpiry:
			if !ambiguityResolution {
				t.setExpiryOvertime()
				return ErrAttemptExpired
			}
			return err
		default:
			return err
		}
	}
}

// resolveATRCommitConflictExclusive rereads the ATR's status field after an
// ambiguous or FAIL_PATH_ALREADY_EXISTS atr_commit, distinguishing "we already
// committed, this was a retried/ambiguous write" from genuine corruption.
func (t *transactionAttempt) resolveATRCommitConflictExclusive(ctx context.Context) error {
	entry, _, err := lookupATRAttempt(ctx, t.atrAgentLocked(), t.currentATRLocation(), t.id)
	if err != nil {
		return err
	}
	switch entry.State {
	case txnStateCommitted:
		return nil
	case txnStateCompleted:
		return ErrIllegalState
	case txnStateAborted, txnStateRolledBack:
		return errors.New("transactions: attempt rolled back externally during commit")
	case txnStatePending:
		return ErrIllegalState
	default:
		return ErrIllegalState
	}
}

// setATRCompletedExclusive removes the attempt's ATR prefix entirely
// (spec.md §4.4.7 step 3; per-attempt REMOVE per the resolved Open
// Question in spec.md §9 and SPEC_FULL.md §9).
func (t *transactionAttempt) setATRCompletedExclusive(ctx context.Context) error {
	if err := invokeHook(ctx, t.hooks.BeforeAtrComplete, t.id); err != nil {
		return classifyHookError(err).Source
	}

	_, err := t.atrAgentLocked().MutateIn(ctx, kv.MutateInOptions{
		Key: t.currentATRLocation().docID(),
		Ops: []kv.MutateInOp{
			{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "attempts." + t.id},
		},
		Durability: t.durabilityLevel,
	})
	if err == nil {
		return invokeHook(ctx, t.hooks.AfterAtrComplete, t.id)
	}

	cls := classifyError(err)
	switch cls.Class {
	case TransactionErrorClassFailDocNotFound, TransactionErrorClassFailPathNotFound:
		// The attempt's own writes are durable; only bookkeeping failed.
		return fmt.Errorf("%w: %v", errFailedPostCommit, err)
	case TransactionErrorClassFailHard, TransactionErrorClassFailExpiry:
		return fmt.Errorf("%w: %v", errFailedPostCommit, err)
	default:
		// Tolerated: Cleanup will remove the prefix later.
		return nil
	}
}

// setATRAbortedExclusive transitions PENDING -> ABORTED (spec.md §4.4.8
// step 1).
func (t *transactionAttempt) setATRAbortedExclusive(ctx context.Context) error {
	if err := invokeHook(ctx, t.hooks.BeforeAtrAborted, t.id); err != nil {
		return classifyHookError(err).Source
	}

	entry := &atrAttemptJSON{}
	t.staged.extractToATREntry(entry)

	stOp, _ := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "st", string(txnStateAborted), false)
	tsrsOp, _ := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "tsrs", kv.MacroCas, true)
	ops := []kv.MutateInOp{stOp, tsrsOp}
	if op, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "ins", entry.Inserts, false); err == nil {
		ops = append(ops, op)
	}
	if op, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "rep", entry.Replaces, false); err == nil {
		ops = append(ops, op)
	}
	if op, err := atrFieldOp(kv.MutateInOpTypeDictSet, t.id, "rem", entry.Removes, false); err == nil {
		ops = append(ops, op)
	}

	for {
		_, err := t.atrAgentLocked().MutateIn(ctx, kv.MutateInOptions{
			Key:        t.currentATRLocation().docID(),
			Ops:        ops,
			Durability: t.durabilityLevel,
		})
		if err == nil {
			return invokeHook(ctx, t.hooks.AfterAtrAborted, t.id)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailExpiry:
			t.setExpiryOvertime()
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		case TransactionErrorClassFailDocNotFound:
			return ErrAtrNotFound
		case TransactionErrorClassFailPathNotFound:
			return ErrAtrEntryNotFound
		case TransactionErrorClassFailOutOfSpace:
			return ErrAtrFull
		case TransactionErrorClassFailHard:
			return err
		default:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		}
	}
}

// setATRRolledBackExclusive removes the attempt's ATR prefix after a
// completed rollback (spec.md §4.4.8 step 3).
func (t *transactionAttempt) setATRRolledBackExclusive(ctx context.Context) error {
	if err := invokeHook(ctx, t.hooks.BeforeAtrRolledBack, t.id); err != nil {
		return classifyHookError(err).Source
	}

	for {
		_, err := t.atrAgentLocked().MutateIn(ctx, kv.MutateInOptions{
			Key: t.currentATRLocation().docID(),
			Ops: []kv.MutateInOp{
				{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "attempts." + t.id},
			},
			Durability: t.durabilityLevel,
		})
		if err == nil {
			return invokeHook(ctx, t.hooks.AfterAtrRolledBack, t.id)
		}

		cls := classifyError(err)
		switch cls.Class {
		case TransactionErrorClassFailDocNotFound, TransactionErrorClassFailPathNotFound:
			return nil
		case TransactionErrorClassFailExpiry:
			return ErrAttemptExpired
		case TransactionErrorClassFailOutOfSpace, TransactionErrorClassFailTransient:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		default:
			_ = sleepContext(ctx, 3*time.Millisecond)
			continue
		}
	}
}

// atrLocationForRetry exposes the ATR this attempt pended against, for a
// Transaction to pin future retries to the same metadata collection
// (spec.md §4.3 invariant 4). Returns nil if this attempt never selected
// an ATR (e.g. it failed before its first mutation).
func (t *transactionAttempt) atrLocationForRetry() *ATRLocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.atrSelected {
		return nil
	}
	return &ATRLocation{
		Agent:          t.atrAgent,
		OboUser:        t.atrOboUser,
		BucketName:     t.atrBucketName,
		ScopeName:      t.atrScopeName,
		CollectionName: t.atrCollectionName,
	}
}

func (t *transactionAttempt) atrAgentLocked() kv.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.atrAgent
}

// writeWriteConflictPoll resolves a foreign staged write observed on a
// document (spec.md §4.4.6): poll the foreign ATR with exponential
// backoff (initial 50ms, cap 500ms, sub-deadline 1s). Missing, expired,
// ROLLED_BACK or COMPLETED foreign entries mean no conflict; PENDING or
// ABORTED within the deadline means keep waiting; deadline exceeded is a
// write-write conflict that fails the whole attempt for retry.
func (t *transactionAttempt) writeWriteConflictPoll(ctx context.Context, docID kv.DocumentId, foreignLoc atrLocationKey, foreignAgent kv.Agent, foreignAttemptID string) error {
	if err := invokeHookWithDocID(ctx, t.hooks.BeforeCheckAtrEntryForBlockingDoc, t.id, docID.Key); err != nil {
		return classifyHookError(err).Source
	}

	deadline := time.Now().Add(time.Second)
	sleeper := newBackoffSleeper(50*time.Millisecond, 500*time.Millisecond)

	for {
		entry, _, err := lookupATRAttempt(ctx, foreignAgent, foreignLoc, foreignAttemptID)
		if err != nil {
			// Missing ATR or entry: no conflict.
			return nil
		}

		switch entry.State {
		case txnStateCompleted, txnStateRolledBack:
			return nil
		case txnStatePending, txnStateAborted:
			if tstCas, err := kv.ParseMacroCasToCas(entry.StartTimestamp); err == nil {
				started := kv.ParseCasToTime(tstCas)
				if atrExpired(time.Now().UnixMilli(), started.UnixMilli(), entry.ExpiresAfterMS, defaultSafetyMarginMS) {
					// The blocking attempt's own expiration plus safety
					// margin has elapsed: treat it as abandoned rather than
					// wait out the poll deadline. Cleanup will reconcile it.
					return nil
				}
			}
		default:
			return nil
		}

		if time.Now().After(deadline) {
			return &writeWriteConflictError{
				Bucket: docID.BucketName, Scope: docID.ScopeName, Collection: docID.CollectionName, Key: docID.Key,
				Source: ErrWriteWriteConflict,
			}
		}

		if err := sleepContext(ctx, sleeper.next()); err != nil {
			return err
		}
	}
}

var errFailedPostCommit = errors.New("transactions: failed post commit")
