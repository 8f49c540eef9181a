package transactions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/brett19/dtxn/kv"
	"github.com/brett19/dtxn/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfig(agent *kvtest.Agent) Config {
	return Config{
		Logger: zap.NewNop(),
		BucketAgentProvider: func(ctx context.Context, bucketName string) (kv.Agent, string, error) {
			return agent, "", nil
		},
	}
}

func newTestAttempt(t *testing.T, agent *kvtest.Agent) *transactionAttempt {
	t.Helper()
	cfg := newTestConfig(agent)
	require.NoError(t, cfg.applyDefaults())
	txn := newTransaction(cfg, nil)
	return txn.NewAttempt()
}

func testDocID(key string) kv.DocumentId {
	return kv.DocumentId{BucketName: "default", ScopeName: "_default", CollectionName: "_default", Key: key}
}

func TestAttemptInsertThenCommitLandsTheFinalDocument(t *testing.T) {
	agent := kvtest.New()
	attempt := newTestAttempt(t, agent)
	ctx := context.Background()
	id := testDocID("order-1")

	require.NoError(t, attempt.Insert(ctx, id, []byte(`{"total":42}`)))
	require.NoError(t, attempt.Commit(ctx))

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(42), body["total"])
	assert.NotContains(t, xattrs, "txn")
}

func TestAttemptInsertThenRollbackLeavesNoDocument(t *testing.T) {
	agent := kvtest.New()
	attempt := newTestAttempt(t, agent)
	ctx := context.Background()
	id := testDocID("order-2")

	require.NoError(t, attempt.Insert(ctx, id, []byte(`{"total":1}`)))
	require.NoError(t, attempt.Rollback(ctx))

	_, _, exists, deleted := agent.Peek(id)
	if exists {
		assert.True(t, deleted, "an inserted-then-rolled-back document must be tombstoned, not live")
	}

	_, err := agent.Get(ctx, kv.GetOptions{Key: id})
	assert.ErrorIs(t, err, kv.ErrDocumentNotFound)
}

func TestAttemptReplaceThenCommitUpdatesTheDocument(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("order-3")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"total":1}`)})
	require.NoError(t, err)

	attempt := newTestAttempt(t, agent)
	doc, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)

	updated, err := attempt.Replace(ctx, doc, []byte(`{"total":2}`))
	require.NoError(t, err)
	require.NotNil(t, updated)

	// Before commit the live document body is untouched: replace only
	// stages the new value under the txn XATTR.
	body, _, _, _ := agent.Peek(id)
	assert.Equal(t, float64(1), body["total"])

	require.NoError(t, attempt.Commit(ctx))

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(2), body["total"])
	assert.NotContains(t, xattrs, "txn")
}

func TestAttemptReplaceThenRollbackLeavesOriginalBody(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("order-4")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"total":1}`)})
	require.NoError(t, err)

	attempt := newTestAttempt(t, agent)
	doc, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)

	_, err = attempt.Replace(ctx, doc, []byte(`{"total":99}`))
	require.NoError(t, err)

	require.NoError(t, attempt.Rollback(ctx))

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(1), body["total"])
	assert.NotContains(t, xattrs, "txn")
}

func TestAttemptRemoveThenCommitDeletesTheDocument(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("order-5")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"total":1}`)})
	require.NoError(t, err)

	attempt := newTestAttempt(t, agent)
	doc, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)

	require.NoError(t, attempt.Remove(ctx, doc))
	require.NoError(t, attempt.Commit(ctx))

	_, err = agent.Get(ctx, kv.GetOptions{Key: id})
	assert.ErrorIs(t, err, kv.ErrDocumentNotFound)
}

func TestAttemptRemoveThenRollbackLeavesDocumentIntact(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("order-6")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"total":7}`)})
	require.NoError(t, err)

	attempt := newTestAttempt(t, agent)
	doc, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)

	require.NoError(t, attempt.Remove(ctx, doc))
	require.NoError(t, attempt.Rollback(ctx))

	got, err := agent.Get(ctx, kv.GetOptions{Key: id})
	require.NoError(t, err)
	assert.Equal(t, float64(7), asMap(t, got.Value)["total"])
}

func TestAttemptGetSeesItsOwnStagedInsert(t *testing.T) {
	agent := kvtest.New()
	attempt := newTestAttempt(t, agent)
	ctx := context.Background()
	id := testDocID("order-7")

	require.NoError(t, attempt.Insert(ctx, id, []byte(`{"total":5}`)))

	res, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, float64(5), asMap(t, res.Value)["total"])
}

func TestAttemptInsertAfterRemoveInSameAttemptFails(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("order-8")

	_, err := agent.Add(ctx, kv.StoreOptions{Key: id, Value: []byte(`{"total":1}`)})
	require.NoError(t, err)

	attempt := newTestAttempt(t, agent)
	doc, _, err := attempt.Get(ctx, id, true)
	require.NoError(t, err)

	require.NoError(t, attempt.Remove(ctx, doc))
	err = attempt.Insert(ctx, id, []byte(`{"total":2}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCannotInsertAfterRemove)

	// Insert after remove in the same attempt is rejected (spec.md §4.2):
	// the staged remove stays as it was and no insert is staged.
	require.NotNil(t, attempt.staged.find(id, StagedMutationTypeRemove))
	assert.Nil(t, attempt.staged.find(id, StagedMutationTypeInsert))

	body, _, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(1), body["total"])
}

func asMap(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}
