package transactions

import (
	"context"
	"fmt"
	"time"

	"github.com/brett19/dtxn/kv"
	"go.uber.org/zap"
)

// BucketAgentProviderFn resolves a kv.Agent (and on-behalf-of user, when
// applicable) for a given bucket name. Grounded on the teacher's
// TransactionsBucketAgentProviderFn.
type BucketAgentProviderFn func(ctx context.Context, bucketName string) (kv.Agent, string, error)

// ATRLocation names the collection ATR documents for a transaction live
// in, resolved via the configured BucketAgentProvider unless overridden.
type ATRLocation struct {
	Agent          kv.Agent
	OboUser        string
	BucketName     string
	ScopeName      string
	CollectionName string
}

// LostATRLocation identifies a bucket/scope/collection the Lost-Transaction
// Scanner should periodically enumerate.
type LostATRLocation struct {
	BucketName     string
	ScopeName      string
	CollectionName string
}

// Config is the closed set of transaction-scope options named in
// spec.md §6. Unrecognized options are a construction-time error by
// virtue of being a Go struct literal — there is no loosely-typed options
// bag to misuse.
type Config struct {
	ExpirationTime        time.Duration
	DurabilityLevel       DurabilityLevel
	CleanupWindow         time.Duration
	CleanupLostAttempts   bool
	CleanupClientAttempts bool
	// MetadataCollection optionally overrides the ATR home; when nil, the
	// ATR is addressed in the mutated document's own bucket, under the
	// "_default" scope and "_default" collection, per spec.md §4.3.
	MetadataCollection *ATRLocation

	NumATRs int

	BucketAgentProvider BucketAgentProviderFn

	Hooks             TransactionHooks
	CleanupHooks      TransactionCleanupHooks
	ClientRecordHooks TransactionClientRecordHooks

	CleanupQueueSize uint

	// EnableParallelUnstaging runs commit/rollback unstaging of multiple
	// documents concurrently via a bounded worker pool instead of one at a
	// time. Concurrency across distinct keys is always safe (spec.md §5);
	// this only controls whether the implementation exploits it.
	EnableParallelUnstaging bool

	Logger *zap.Logger
}

// TransactionOptions allows a single transaction to override manager-level
// defaults (spec.md §6).
type TransactionOptions struct {
	ExpirationTime  *time.Duration
	DurabilityLevel *DurabilityLevel
	Hooks           *TransactionHooks
	MetadataCollection *ATRLocation
}

// applyDefaults fills unset fields with spec.md's documented defaults and
// validates the closed set, matching the teacher's InitTransactions
// validation style but following the spec's defaults rather than the
// teacher's (the spec's 60s default supersedes the teacher's own 10s).
func (c *Config) applyDefaults() error {
	if c.ExpirationTime == 0 {
		c.ExpirationTime = 60 * time.Second
	}
	if c.CleanupWindow == 0 {
		c.CleanupWindow = 60 * time.Second
	}
	if c.NumATRs == 0 {
		c.NumATRs = numATRsPerBucket
	}
	if c.CleanupQueueSize == 0 {
		c.CleanupQueueSize = 100000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.BucketAgentProvider == nil {
		return fmt.Errorf("transactions: BucketAgentProvider must be set")
	}
	return nil
}

func (o *TransactionOptions) mergeOver(c Config) Config {
	if o == nil {
		return c
	}
	if o.ExpirationTime != nil {
		c.ExpirationTime = *o.ExpirationTime
	}
	if o.DurabilityLevel != nil {
		c.DurabilityLevel = *o.DurabilityLevel
	}
	if o.Hooks != nil {
		c.Hooks = *o.Hooks
	}
	if o.MetadataCollection != nil {
		c.MetadataCollection = o.MetadataCollection
	}
	return c
}
