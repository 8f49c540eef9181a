package transactions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brett19/dtxn/kv"
	"github.com/brett19/dtxn/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommitsASuccessfulAttempt(t *testing.T) {
	agent := kvtest.New()
	cfg := newTestConfig(agent)
	ctx := context.Background()
	id := testDocID("run-1")

	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		return txn.Insert(ctx, id, []byte(`{"ok":true}`))
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.UnstagingComplete)
	assert.NotEmpty(t, result.TransactionID)
	require.Len(t, result.Attempts, 1)

	body, _, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, true, body["ok"])
}

func TestRunPropagatesAnUnclassifiedClosureError(t *testing.T) {
	agent := kvtest.New()
	cfg := newTestConfig(agent)
	ctx := context.Background()
	sentinel := errors.New("application gave up")

	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		return sentinel
	})

	require.Nil(t, result)
	require.Error(t, err)

	var failed *TransactionFailedError
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, failed.Cause, sentinel)
}

func TestRunRollsBackWhenTheClosureFailsAfterStaging(t *testing.T) {
	agent := kvtest.New()
	cfg := newTestConfig(agent)
	ctx := context.Background()
	id := testDocID("run-2")
	sentinel := errors.New("business rule rejected the order")

	result, err := Run(ctx, cfg, nil, func(ctx context.Context, txn *Transaction) error {
		if err := txn.Insert(ctx, id, []byte(`{"ok":true}`)); err != nil {
			return err
		}
		return sentinel
	})

	require.Nil(t, result)
	require.Error(t, err)

	_, err = agent.Get(ctx, kv.GetOptions{Key: id})
	assert.ErrorIs(t, err, kv.ErrDocumentNotFound)
}

func TestRunRejectsAConfigWithNoBucketAgentProvider(t *testing.T) {
	ctx := context.Background()
	_, err := Run(ctx, Config{}, nil, func(ctx context.Context, txn *Transaction) error {
		return nil
	})
	require.Error(t, err)
}

func TestNewAttemptSharesOneExpiryWindowAcrossRetries(t *testing.T) {
	agent := kvtest.New()
	cfg := newTestConfig(agent)
	cfg.ExpirationTime = 30 * time.Millisecond
	require.NoError(t, cfg.applyDefaults())

	txn := newTransaction(cfg, nil)
	first := txn.NewAttempt()
	firstExpiry := first.expiryTime

	time.Sleep(5 * time.Millisecond)

	second := txn.NewAttempt()
	assert.True(t, second.expiryTime.Equal(firstExpiry),
		"a retry's attempt must reuse the transaction's original expiry window, not compute a fresh one")
	assert.True(t, second.startTime.Equal(first.startTime),
		"every attempt must share the transaction's original start time")
}
