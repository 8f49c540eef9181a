package transactions

import (
	"errors"
	"testing"

	"github.com/brett19/dtxn/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docID(key string) kv.DocumentId {
	return kv.DocumentId{BucketName: "b", ScopeName: "_default", CollectionName: "_default", Key: key}
}

func TestStagedMutationSetAddAndFind(t *testing.T) {
	s := newStagedMutationSet()
	assert.True(t, s.isEmpty())

	m := &StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1"), Staged: []byte(`{"a":1}`)}
	s.add(m)

	assert.False(t, s.isEmpty())
	assert.Same(t, m, s.findAny(docID("k1")))
	assert.Same(t, m, s.find(docID("k1"), StagedMutationTypeInsert))
	assert.Nil(t, s.find(docID("k1"), StagedMutationTypeReplace))
	assert.Nil(t, s.findAny(docID("missing")))
}

func TestStagedMutationSetAddReplacesExistingEntryForSameKey(t *testing.T) {
	s := newStagedMutationSet()
	first := &StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1"), Staged: []byte(`1`)}
	second := &StagedMutation{OpType: StagedMutationTypeReplace, Key: docID("k1"), Staged: []byte(`2`)}
	s.add(first)
	s.add(second)

	all := s.all()
	require.Len(t, all, 1)
	assert.Same(t, second, all[0])
}

func TestStagedMutationSetRemove(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1")})
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k2")})

	s.remove(docID("k1"))

	assert.Nil(t, s.findAny(docID("k1")))
	require.Len(t, s.all(), 1)
	assert.Equal(t, "k2", s.all()[0].Key.Key)
}

func TestStagedMutationSetAllPreservesInsertionOrder(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1")})
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k2")})
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k3")})

	all := s.all()
	require.Len(t, all, 3)
	assert.Equal(t, "k1", all[0].Key.Key)
	assert.Equal(t, "k2", all[1].Key.Key)
	assert.Equal(t, "k3", all[2].Key.Key)
}

func TestCheckOwnWriteConflictRejectsInsertAfterRemove(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeRemove, Key: docID("k1")})

	err := s.checkOwnWriteConflict(docID("k1"), StagedMutationTypeInsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotInsertAfterRemove))
}

func TestCheckOwnWriteConflictRejectsInsertAfterReplace(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeReplace, Key: docID("k1")})

	err := s.checkOwnWriteConflict(docID("k1"), StagedMutationTypeInsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotInsertAfterRemove))
}

func TestCheckOwnWriteConflictRejectsInsertAfterInsert(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1")})

	err := s.checkOwnWriteConflict(docID("k1"), StagedMutationTypeInsert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotInsertAfterRemove))
}

func TestCheckOwnWriteConflictAllowsEverythingElse(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("k1")})

	assert.NoError(t, s.checkOwnWriteConflict(docID("k1"), StagedMutationTypeReplace))
	assert.NoError(t, s.checkOwnWriteConflict(docID("k2"), StagedMutationTypeInsert))
}

func TestExtractToATREntrySortsMutationsByKind(t *testing.T) {
	s := newStagedMutationSet()
	s.add(&StagedMutation{OpType: StagedMutationTypeInsert, Key: docID("ins1")})
	s.add(&StagedMutation{OpType: StagedMutationTypeReplace, Key: docID("rep1")})
	s.add(&StagedMutation{OpType: StagedMutationTypeRemove, Key: docID("rem1")})

	entry := &atrAttemptJSON{}
	s.extractToATREntry(entry)

	require.Len(t, entry.Inserts, 1)
	assert.Equal(t, "ins1", entry.Inserts[0].Key)
	require.Len(t, entry.Replaces, 1)
	assert.Equal(t, "rep1", entry.Replaces[0].Key)
	require.Len(t, entry.Removes, 1)
	assert.Equal(t, "rem1", entry.Removes[0].Key)
}

func TestStagedMutationTypeString(t *testing.T) {
	assert.Equal(t, "insert", StagedMutationTypeInsert.String())
	assert.Equal(t, "replace", StagedMutationTypeReplace.String())
	assert.Equal(t, "remove", StagedMutationTypeRemove.String())
}
