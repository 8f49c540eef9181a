package transactions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/brett19/dtxn/kv"
	"github.com/brett19/dtxn/txmetrics"
	"go.uber.org/zap"
)

// cleanupSafetyMargin is how long past an ATR's own expiry the worker
// waits before touching it, giving a live attempt every chance to finish
// on its own (spec.md §4.6: "now > min_start_time + 1500ms").
const cleanupSafetyMargin = 1500 * time.Millisecond

// cleanupWorker is the background consumer of a Manager's Cleanup Queue:
// it pops the earliest-due registration, inspects the ATR entry it names,
// and finishes that attempt's commit or rollback on its behalf. Grounded
// on the teacher's cleanup loop, reworked to pull from the min-heap
// CleanupQueue instead of draining a channel.
type cleanupWorker struct {
	cfg   Config
	queue *CleanupQueue

	logger *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newCleanupWorker(cfg Config, queue *CleanupQueue) *cleanupWorker {
	return &cleanupWorker{cfg: cfg, queue: queue, logger: cfg.Logger, stopCh: make(chan struct{})}
}

func (w *cleanupWorker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *cleanupWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *cleanupWorker) run() {
	defer w.wg.Done()
	for {
		now := time.Now()
		if reg, ok := w.queue.popDue(now); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := w.cleanupAttempt(ctx, reg); err != nil {
				w.logger.Warn("cleanup attempt failed", zap.String("attemptID", reg.attemptID), zap.Error(err))
			}
			cancel()
			continue
		}

		wait := w.queue.peekWait(now, w.cfg.CleanupWindow)
		select {
		case <-time.After(wait):
		case <-w.stopCh:
			return
		}
	}
}

// cleanupAttempt implements spec.md §4.6's cleanup_docs/cleanup_entry: read
// the ATR entry, branch on its recorded state, unstage or roll back every
// document it names, then remove the attempt's ATR prefix.
func (w *cleanupWorker) cleanupAttempt(ctx context.Context, reg atrRegistration) (err error) {
	defer func() {
		txmetrics.RecordCleanupRun(ctx, reg.loc.bucket, err != nil)
	}()

	atrAgent, _, err := w.cfg.BucketAgentProvider(ctx, reg.loc.bucket)
	if err != nil {
		return err
	}

	entry, _, err := lookupATRAttempt(ctx, atrAgent, reg.loc, reg.attemptID)
	if err != nil {
		// Already cleaned up (by this attempt's own commit/rollback, or a
		// racing cleanup pass).
		return nil
	}

	switch entry.State {
	case txnStateCommitted:
		for _, rec := range entry.Inserts {
			if err := w.unstageCommitDoc(ctx, rec); err != nil {
				return err
			}
		}
		for _, rec := range entry.Replaces {
			if err := w.unstageCommitDoc(ctx, rec); err != nil {
				return err
			}
		}
		for _, rec := range entry.Removes {
			if err := w.unstageCommitRemove(ctx, rec); err != nil {
				return err
			}
		}
	case txnStateAborted, txnStatePending:
		// The worker only ever reaches an entry the caller has already
		// decided is expired (lost_scanner.go's age check, or the queue's
		// own delay: a registration only becomes due at the attempt's
		// expiry plus cleanupSafetyMargin); a PENDING entry
		// here is one whose owning client died before recording a
		// commit/abort decision, so it gets the same rollback-unstage as
		// an ABORTED one (spec.md §4.6: "runs cleanup_docs and then
		// cleanup_entry" regardless of the observed state).
		for _, rec := range entry.Inserts {
			if err := w.unstageRollbackInsert(ctx, rec); err != nil {
				return err
			}
		}
		for _, rec := range append(entry.Replaces, entry.Removes...) {
			if err := w.unstageRollbackStage(ctx, rec); err != nil {
				return err
			}
		}
	default:
		// COMPLETED/ROLLED_BACK: the docs side is already finished; only a
		// stale ATR entry (e.g. a prior cleanup_entry that failed) remains.
	}

	return w.cleanupEntry(ctx, atrAgent, reg)
}

// unstageCommitDoc finishes an insert/replace by clearing the document's
// txn XATTR prefix, guarded by a CRC32 check so a cleanup pass racing a
// live commit never stomps a newer write (spec.md §4.6, invariant 5): the
// live "$document.value_crc32c" is reread and compared against the CRC32
// stamped into the XATTR when the mutation was staged (attempt_insert.go's
// buildStagedXattrOps), and the unstage is skipped on any mismatch.
func (w *cleanupWorker) unstageCommitDoc(ctx context.Context, rec atrMutationJSON) error {
	agent, _, err := w.cfg.BucketAgentProvider(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	id := kv.DocumentId{BucketName: rec.Bucket, ScopeName: rec.Scope, CollectionName: rec.Collection, Key: rec.Key}

	res, err := agent.LookupIn(ctx, kv.LookupInOptions{
		Key: id,
		Ops: []kv.LookupInOp{
			{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
			{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: kv.VirtualXattrDocument},
			{Op: kv.LookupInOpTypeGetDoc},
		},
		AccessDeleted: true,
	})
	if err != nil {
		if classifyError(err).Class == TransactionErrorClassFailDocNotFound {
			return nil
		}
		return err
	}
	if res.Ops[0].Err != nil {
		// txn xattr already gone: a prior cleanup pass (or the owning
		// attempt's own commit) already finished this document.
		return nil
	}

	var txn txnXattrJSON
	if err := json.Unmarshal(res.Ops[0].Value, &txn); err != nil {
		return nil
	}
	if txn.ID.AttemptID == "" {
		return nil
	}

	if res.Ops[1].Err == nil && txn.Operation.Crc32 != "" {
		var meta docMetaJSON
		if err := json.Unmarshal(res.Ops[1].Value, &meta); err != nil {
			return nil
		}
		if meta.CRC32 != txn.Operation.Crc32 {
			// The live body has changed since staging: either a racing
			// commit already finished this document or the body is no
			// longer what this attempt staged. Leave it alone.
			return nil
		}
	}

	bodyB, err := json.Marshal(txn.Operation.Staged)
	if err != nil {
		return err
	}

	_, err = agent.MutateIn(ctx, kv.MutateInOptions{
		Key: id,
		Ops: []kv.MutateInOp{
			{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"},
			{Op: kv.MutateInOpTypeSetDoc, Value: bodyB},
		},
		Cas:            res.Cas,
		StoreSemantics: kv.StoreSemanticsReplace,
		AccessDeleted:  true,
	})
	if err != nil && classifyError(err).Class != TransactionErrorClassFailCasMismatch && classifyError(err).Class != TransactionErrorClassFailDocNotFound {
		return err
	}
	return nil
}

func (w *cleanupWorker) unstageCommitRemove(ctx context.Context, rec atrMutationJSON) error {
	agent, _, err := w.cfg.BucketAgentProvider(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	id := kv.DocumentId{BucketName: rec.Bucket, ScopeName: rec.Scope, CollectionName: rec.Collection, Key: rec.Key}
	_, err = agent.Delete(ctx, kv.DeleteOptions{Key: id})
	if err != nil && classifyError(err).Class != TransactionErrorClassFailDocNotFound {
		return err
	}
	return nil
}

func (w *cleanupWorker) unstageRollbackInsert(ctx context.Context, rec atrMutationJSON) error {
	agent, _, err := w.cfg.BucketAgentProvider(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	id := kv.DocumentId{BucketName: rec.Bucket, ScopeName: rec.Scope, CollectionName: rec.Collection, Key: rec.Key}
	_, err = agent.MutateIn(ctx, kv.MutateInOptions{
		Key:            id,
		Ops:            []kv.MutateInOp{{Op: kv.MutateInOpTypeDeleteDoc}},
		StoreSemantics: kv.StoreSemanticsReplace,
		AccessDeleted:  true,
	})
	if err != nil && classifyError(err).Class != TransactionErrorClassFailDocNotFound {
		return err
	}
	return nil
}

func (w *cleanupWorker) unstageRollbackStage(ctx context.Context, rec atrMutationJSON) error {
	agent, _, err := w.cfg.BucketAgentProvider(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	id := kv.DocumentId{BucketName: rec.Bucket, ScopeName: rec.Scope, CollectionName: rec.Collection, Key: rec.Key}
	_, err = agent.MutateIn(ctx, kv.MutateInOptions{
		Key:            id,
		Ops:            []kv.MutateInOp{{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "txn"}},
		StoreSemantics: kv.StoreSemanticsReplace,
		AccessDeleted:  true,
	})
	cls := classifyError(err)
	if err != nil && cls.Class != TransactionErrorClassFailDocNotFound && cls.Class != TransactionErrorClassFailPathNotFound {
		return err
	}
	return nil
}

// cleanupEntry durably removes the attempt's whole ATR prefix (spec.md
// §4.6's cleanup_entry).
func (w *cleanupWorker) cleanupEntry(ctx context.Context, atrAgent kv.Agent, reg atrRegistration) error {
	_, err := atrAgent.MutateIn(ctx, kv.MutateInOptions{
		Key: reg.loc.docID(),
		Ops: []kv.MutateInOp{
			{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "attempts." + reg.attemptID},
		},
		Durability: w.cfg.DurabilityLevel,
	})
	cls := classifyError(err)
	if err != nil && cls.Class != TransactionErrorClassFailDocNotFound && cls.Class != TransactionErrorClassFailPathNotFound {
		return err
	}
	return nil
}
