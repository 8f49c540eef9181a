package transactions

import (
	"context"
	"testing"

	"github.com/brett19/dtxn/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRecordRegistryHeartbeatRegistersItself(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	r := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)

	require.NoError(t, r.heartbeat(ctx))

	live, err := r.liveClients(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, r.clientUUID, live[0].ClientUUID)
}

func TestClientRecordRegistryAssignedATRIndicesCoversEverythingAlone(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	r := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)
	require.NoError(t, r.heartbeat(ctx))

	indices := r.assignedATRIndices(ctx)
	assert.Len(t, indices, numATRsPerBucket)
}

func TestClientRecordRegistryPartitionsAcrossMultipleClients(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()

	a := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)
	b := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)
	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, b.heartbeat(ctx))

	live, err := b.liveClients(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)

	aIdx := a.assignedATRIndices(ctx)
	bIdx := b.assignedATRIndices(ctx)

	assert.NotEmpty(t, aIdx)
	assert.NotEmpty(t, bIdx)
	assert.Less(t, len(aIdx), numATRsPerBucket)
	assert.Less(t, len(bIdx), numATRsPerBucket)

	seen := make(map[int]bool, numATRsPerBucket)
	for _, i := range aIdx {
		assert.False(t, seen[i], "index %d assigned to more than one client", i)
		seen[i] = true
	}
	for _, i := range bIdx {
		assert.False(t, seen[i], "index %d assigned to more than one client", i)
		seen[i] = true
	}
	assert.Len(t, seen, numATRsPerBucket, "every index must be covered by exactly one client")
}

func TestClientRecordRegistryAssignedATRIndicesFallsBackWhenUnregistered(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	r := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)

	// No heartbeat ever sent: the client record document doesn't exist.
	indices := r.assignedATRIndices(ctx)
	assert.Len(t, indices, numATRsPerBucket)
}

func TestClientRecordRegistryStopRemovesItsOwnEntry(t *testing.T) {
	agent := kvtest.New()
	ctx := context.Background()
	r := newClientRecordRegistry("default", agent, TransactionClientRecordHooks{}, numATRsPerBucket)
	require.NoError(t, r.heartbeat(ctx))

	r.stop(ctx)

	live, err := r.liveClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}
