package transactions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brett19/dtxn/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pastMacroCas renders a textual ${Mutation.CAS} value decoding (via
// kv.ParseMacroCasToCas/ParseCasToTime) to a timestamp well in the past,
// without driving it through kvtest's own synthetic CAS counter (which
// does not correspond to wall-clock time).
func pastMacroCas(ago time.Duration) string {
	return fmt.Sprintf("0x%016x", uint64(time.Now().Add(-ago).UnixNano()))
}

func TestScanLocationCleansUpAnExpiredCommittedAttempt(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("lost-1")
	lostLoc := LostATRLocation{BucketName: "default", ScopeName: "_default", CollectionName: "_default"}
	loc := atrLocationKey{bucket: lostLoc.BucketName, scope: lostLoc.ScopeName, collection: lostLoc.CollectionName, key: canonicalATRKeyForVbucket(0)}
	const attemptID = "lost-attempt-1"

	seedStagedDoc(t, agent, id, attemptID, mutationTypeInsert, []byte(`{"total":3}`), true)
	seedATREntry(t, agent, loc, attemptID, atrAttemptJSON{
		State:          txnStateCommitted,
		StartTimestamp: pastMacroCas(time.Hour),
		ExpiresAfterMS: 1000,
		Inserts:        []atrMutationJSON{{Bucket: id.BucketName, Scope: id.ScopeName, Collection: id.CollectionName, Key: id.Key}},
	})

	cfg := newTestConfig(agent)
	require.NoError(t, cfg.applyDefaults())
	scanner := newLostTransactionScanner(cfg)

	require.NoError(t, scanner.scanLocation(lostLoc))

	body, xattrs, exists, deleted := agent.Peek(id)
	require.True(t, exists)
	assert.False(t, deleted)
	assert.Equal(t, float64(3), body["total"])
	assert.NotContains(t, xattrs, "txn")

	_, _, err := lookupATRAttempt(ctx, agent, loc, attemptID)
	assert.Error(t, err, "a recovered lost attempt's ATR entry must be removed")
}

func TestScanLocationLeavesAFreshCommittedAttemptAlone(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	id := testDocID("lost-2")
	lostLoc := LostATRLocation{BucketName: "default", ScopeName: "_default", CollectionName: "_default"}
	loc := atrLocationKey{bucket: lostLoc.BucketName, scope: lostLoc.ScopeName, collection: lostLoc.CollectionName, key: canonicalATRKeyForVbucket(0)}
	const attemptID = "lost-attempt-2"

	seedStagedDoc(t, agent, id, attemptID, mutationTypeInsert, []byte(`{"total":4}`), true)
	seedATREntry(t, agent, loc, attemptID, atrAttemptJSON{
		State:          txnStateCommitted,
		StartTimestamp: pastMacroCas(time.Millisecond),
		ExpiresAfterMS: 60000,
		Inserts:        []atrMutationJSON{{Bucket: id.BucketName, Scope: id.ScopeName, Collection: id.CollectionName, Key: id.Key}},
	})

	cfg := newTestConfig(agent)
	require.NoError(t, cfg.applyDefaults())
	scanner := newLostTransactionScanner(cfg)

	require.NoError(t, scanner.scanLocation(lostLoc))

	entry, _, err := lookupATRAttempt(ctx, agent, loc, attemptID)
	require.NoError(t, err, "a not-yet-expired attempt must survive a scan pass")
	assert.Equal(t, txnStateCommitted, entry.State)

	_, xattrs, _, _ := agent.Peek(id)
	assert.Contains(t, xattrs, "txn")
}
