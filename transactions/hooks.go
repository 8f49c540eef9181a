package transactions

import "context"

// Hook is a named before/after injection point consulted at fixed points
// in the engine, never reflectively (spec.md §4.7). Production builds
// supply NewDefaultHooks, whose every field is a no-op.
type Hook func(ctx context.Context, attemptID string) error

// HookWithDocID is a Hook variant for injection points that are specific
// to a single document id.
type HookWithDocID func(ctx context.Context, attemptID string, docID string) error

func invokeHook(ctx context.Context, h Hook, attemptID string) error {
	if h == nil {
		return nil
	}
	return h(ctx, attemptID)
}

func invokeHookWithDocID(ctx context.Context, h HookWithDocID, attemptID, docID string) error {
	if h == nil {
		return nil
	}
	return h(ctx, attemptID, docID)
}

// TransactionHooks is the full table of fault-injection points an attempt
// consults. Every field defaults to nil (no-op) in production.
type TransactionHooks struct {
	BeforeAtrPending                      Hook
	AfterAtrPending                        Hook
	BeforeAtrCommit                       Hook
	AfterAtrCommit                        Hook
	BeforeAtrCommitAmbiguityResolution    Hook
	BeforeAtrAborted                      Hook
	AfterAtrAborted                       Hook
	BeforeAtrRolledBack                   Hook
	AfterAtrRolledBack                    Hook
	BeforeAtrComplete                     Hook
	AfterAtrComplete                      Hook

	BeforeDocGet                          HookWithDocID
	BeforeStagedInsert                    HookWithDocID
	AfterStagedInsertComplete             HookWithDocID
	BeforeStagedReplace                   HookWithDocID
	AfterStagedReplaceComplete            HookWithDocID
	BeforeStagedRemove                    HookWithDocID
	AfterStagedRemoveComplete             HookWithDocID
	BeforeRemovingDocDuringStagedInsert   HookWithDocID
	BeforeCheckAtrEntryForBlockingDoc     HookWithDocID
	BeforeGetDocInExistsDuringStagedInsert HookWithDocID
	BeforeDocRemoved                      HookWithDocID
	BeforeDocRolledBack                   HookWithDocID
	BeforeRollbackReplaceOrRemove         HookWithDocID

	BeforeCommit Hook

	// HasExpiredClientSideHook overrides has_expired_client_side at the
	// named stage, for deterministic expiry-path tests.
	HasExpiredClientSideHook func(ctx context.Context, stage string, docID string) bool

	// RandomAtrIDForVbucket overrides ATR selection (spec.md §4.7).
	RandomAtrIDForVbucket func(ctx context.Context) (string, error)
}

// NewDefaultHooks returns a TransactionHooks whose every field is a no-op,
// the production default.
func NewDefaultHooks() TransactionHooks {
	return TransactionHooks{}
}

// TransactionCleanupHooks parallels TransactionHooks for the per-document
// unstage writes: the attempt's own commit consults BeforeCommitDoc and its
// rollback consults BeforeRemoveDoc. The cleanup worker consults none of
// them, and BeforeAtrRemove is not consulted anywhere.
type TransactionCleanupHooks struct {
	BeforeCommitDoc   HookWithDocID
	BeforeRemoveDoc   HookWithDocID
	BeforeAtrRemove   Hook
}

// TransactionClientRecordHooks gates the supplemented client-record
// feature (SPEC_FULL.md §4.8).
type TransactionClientRecordHooks struct {
	BeforeCreateRecord Hook
	BeforeRemoveClient Hook
	BeforeUpdateCas    Hook
}
