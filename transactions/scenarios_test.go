package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brett19/dtxn/kv"
	"github.com/brett19/dtxn/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These tests exercise the six end-to-end scenarios spelled out for the
// Driver: a happy replace, concurrent writers racing on one document, an
// insert coalesced with a remove inside one attempt, a write-write
// conflict against a crashed peer, a commit that comes back ambiguous,
// and expiry mid-attempt.

func TestScenarioHappyReplace(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("scenario-happy-replace")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"n":0}`)})
	require.NoError(t, err)

	cfg := newTestConfig(agent)
	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		d, err := txn.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = txn.Replace(ctx, d, []byte(`{"n":1}`))
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.UnstagingComplete)

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(1), body["n"])
	assert.NotContains(t, xattrs, "txn")
}

func TestScenarioConcurrentWritersConvergeOnOneCounter(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("scenario-concurrent-counter")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"n":0}`)})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var committed atomicCounter
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := newTestConfig(agent)
			_, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
				d, err := txn.Get(ctx, id)
				if err != nil {
					return err
				}
				var body map[string]any
				if err := json.Unmarshal(d.Value, &body); err != nil {
					return err
				}
				n, _ := body["n"].(float64)
				body["n"] = n + 1
				next, err := json.Marshal(body)
				if err != nil {
					return err
				}
				_, err = txn.Replace(ctx, d, next)
				return err
			})
			if err == nil {
				committed.add(1)
			}
		}()
	}
	wg.Wait()

	body, _, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(committed.value()), body["n"],
		"final n must equal the count of transactions that actually committed")
}

// atomicCounter is a tiny test-local helper; the package's real atomics
// (go.uber.org/atomic) back production counters, but a mutex-guarded int
// is plenty for tallying goroutine outcomes in a test.
type atomicCounter struct {
	mu  sync.Mutex
	val int
}

func (c *atomicCounter) add(n int) {
	c.mu.Lock()
	c.val += n
	c.mu.Unlock()
}

func (c *atomicCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

func TestScenarioInsertThenRemoveSameKeySameAttempt(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("scenario-insert-remove")

	cfg := newTestConfig(agent)
	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		if err := txn.Insert(ctx, id, []byte(`{"v":1}`)); err != nil {
			return err
		}
		d, err := txn.Get(ctx, id)
		if err != nil {
			return err
		}
		return txn.Remove(ctx, d)
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	_, err = agent.Get(ctx, kv.GetOptions{Key: id})
	assert.ErrorIs(t, err, kv.ErrDocumentNotFound)
}

func TestScenarioWriteWriteConflictWithExpiredPeerProceeds(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("scenario-expired-peer")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"owner":"A"}`)})
	require.NoError(t, err)

	loc := atrLocationKey{bucket: "default", scope: "_default", collection: "_default", key: "atr-key"}
	const peerAttemptID = "peer-a-attempt"

	// Peer A staged a replace and crashed: its ATR entry is stuck PENDING
	// with a start time long before its own (short) expiration window.
	seedATREntry(t, agent, loc, peerAttemptID, atrAttemptJSON{
		State:          txnStatePending,
		StartTimestamp: pastMacroCas(time.Hour),
		ExpiresAfterMS: 1000,
		Replaces:       []atrMutationJSON{{Bucket: id.BucketName, Scope: id.ScopeName, Collection: id.CollectionName, Key: id.Key}},
	})
	seedStagedDoc(t, agent, id, peerAttemptID, mutationTypeReplace, []byte(`{"owner":"A-staged"}`), false)

	cfg := newTestConfig(agent)
	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		d, err := txn.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = txn.Replace(ctx, d, []byte(`{"owner":"B"}`))
		return err
	})
	require.NoError(t, err, "B must not block on a peer whose own expiry has already elapsed")
	require.NotNil(t, result)
	assert.True(t, result.UnstagingComplete)

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, "B", body["owner"])
	assert.NotContains(t, xattrs, "txn")

	worker := newTestCleanupWorker(agent)
	require.NoError(t, worker.cleanupAttempt(ctx, atrRegistration{loc: loc, attemptID: peerAttemptID}))
	_, _, err = lookupATRAttempt(ctx, agent, loc, peerAttemptID)
	assert.Error(t, err, "cleanup must eventually remove the crashed peer's stale ATR entry")
}

// ambiguousOnceCommitAgent wraps a real kv.Agent and, on the first
// MutateIn that DICT_SETs an ATR entry's "st" field (the atr_commit write;
// the earlier atr_pending write uses DICT_ADD, not DICT_SET, so it is left
// alone), lets the mutation actually apply but reports it back as
// FAIL_AMBIGUOUS - modelling a durability acknowledgement lost on the wire
// after the write itself landed. Every later call passes through
// untouched.
type ambiguousOnceCommitAgent struct {
	kv.Agent
	mu    sync.Mutex
	fired bool
}

func (a *ambiguousOnceCommitAgent) MutateIn(ctx context.Context, opts kv.MutateInOptions) (*kv.MutateInResult, error) {
	fire := false
	for _, op := range opts.Ops {
		if op.Op == kv.MutateInOpTypeDictSet && strings.HasSuffix(op.Path, ".st") {
			a.mu.Lock()
			if !a.fired {
				a.fired = true
				fire = true
			}
			a.mu.Unlock()
			break
		}
	}

	res, err := a.Agent.MutateIn(ctx, opts)
	if fire && err == nil {
		return nil, ErrTestAmbiguous
	}
	return res, err
}

func TestScenarioCommitAmbiguousOnceStillCommits(t *testing.T) {
	real := kvtest.New()
	wrapped := &ambiguousOnceCommitAgent{Agent: real}
	ctx := context.Background()
	id := testDocID("scenario-ambiguous-commit")

	cfg := Config{
		Logger: zap.NewNop(),
		BucketAgentProvider: func(ctx context.Context, bucketName string) (kv.Agent, string, error) {
			return wrapped, "", nil
		},
	}

	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		return txn.Insert(ctx, id, []byte(`{"v":1}`))
	})
	require.NoError(t, err, "atr_commit resolving its own ambiguity by rereading the entry status must not surface as a driver-level error")
	require.NotNil(t, result)
	assert.True(t, result.UnstagingComplete)
	assert.Len(t, result.Attempts, 1, "the ambiguous signal must be absorbed without starting a second attempt")

	body, xattrs, exists, deleted := real.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(1), body["v"])
	assert.NotContains(t, xattrs, "txn")
}

func TestScenarioExpiryDuringReplaceSurfacesTransactionExpired(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("scenario-expiry")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"n":0}`)})
	require.NoError(t, err)

	cfg := newTestConfig(agent)
	cfg.ExpirationTime = 50 * time.Millisecond

	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		d, err := txn.Get(ctx, id)
		if err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
		_, err = txn.Replace(ctx, d, []byte(`{"n":1}`))
		return err
	})
	require.Nil(t, result)
	require.Error(t, err)

	var expired *TransactionExpiredError
	require.True(t, errors.As(err, &expired))

	body, _, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(0), body["n"])
}
