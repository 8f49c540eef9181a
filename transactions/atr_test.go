package transactions

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVbucketForKeyIsDeterministic(t *testing.T) {
	for _, key := range []string{"foo", "bar", "a-much-longer-document-key-123"} {
		a := vbucketForKey(key, numATRsPerBucket)
		b := vbucketForKey(key, numATRsPerBucket)
		assert.Equal(t, a, b, "hash must be stable across calls for key %q", key)
		assert.GreaterOrEqual(t, a, 0)
		assert.Less(t, a, numATRsPerBucket)
	}
}

func TestVbucketForKeyDistributesAcrossRange(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 5000; i++ {
		key := "doc-" + strconv.Itoa(i)
		seen[vbucketForKey(key, numATRsPerBucket)] = true
	}
	assert.Greater(t, len(seen), numATRsPerBucket/2, "hash should spread across a large fraction of the vbucket range")
}

func TestCanonicalATRKeysAreUniqueAndStable(t *testing.T) {
	require.Len(t, canonicalATRKeys, numATRsPerBucket)

	seen := make(map[string]bool, numATRsPerBucket)
	for i, k := range canonicalATRKeys {
		assert.False(t, seen[k], "duplicate canonical ATR key %q at index %d", k, i)
		seen[k] = true
		assert.Equal(t, k, canonicalATRKeyForVbucket(i))
	}

	// Wrapping must map back onto the same table.
	assert.Equal(t, canonicalATRKeys[0], canonicalATRKeyForVbucket(numATRsPerBucket))
}

func TestAtrKeyForIsStablePerDocKey(t *testing.T) {
	k1 := atrKeyFor("order-42")
	k2 := atrKeyFor("order-42")
	assert.Equal(t, k1, k2)
	assert.Contains(t, canonicalATRKeys, k1)
}

func TestAtrExpired(t *testing.T) {
	start := int64(1_000_000)

	// Within expiry window: not expired.
	assert.False(t, atrExpired(start+5000, start, 10000, defaultSafetyMarginMS))

	// Past expiry but within the safety margin: not yet expired.
	assert.False(t, atrExpired(start+10500, start, 10000, defaultSafetyMarginMS))

	// Past expiry plus safety margin: expired.
	assert.True(t, atrExpired(start+12000, start, 10000, defaultSafetyMarginMS))
}
