package transactions

import (
	"fmt"
	"sync"

	"github.com/brett19/dtxn/kv"
)

// StagedMutationType is the kind of a pending write (spec.md §3).
type StagedMutationType uint8

const (
	StagedMutationTypeInsert StagedMutationType = iota
	StagedMutationTypeReplace
	StagedMutationTypeRemove
)

func (t StagedMutationType) String() string {
	switch t {
	case StagedMutationTypeInsert:
		return "insert"
	case StagedMutationTypeReplace:
		return "replace"
	case StagedMutationTypeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// StagedMutation is one pending write of an attempt.
type StagedMutation struct {
	OpType StagedMutationType
	Key    kv.DocumentId
	Cas    kv.Cas
	Staged []byte
}

// stagedMutationSet is the attempt-local, ordered collection of pending
// writes (spec.md §4.2): O(1) lookup by document id across the three
// kinds, ordered iteration for commit, extraction into ATR doc records.
type stagedMutationSet struct {
	mu    sync.Mutex
	order []*StagedMutation
	byKey map[string]*StagedMutation
}

func newStagedMutationSet() *stagedMutationSet {
	return &stagedMutationSet{byKey: make(map[string]*StagedMutation)}
}

func (s *stagedMutationSet) find(id kv.DocumentId, kind StagedMutationType) *StagedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byKey[id.String()]
	if !ok || m.OpType != kind {
		return nil
	}
	return m
}

func (s *stagedMutationSet) findAny(id kv.DocumentId) *StagedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byKey[id.String()]
	return m
}

// add appends a new staged mutation. Coalescing (spec.md §4.2) is the
// caller's responsibility at the Attempt Engine layer; add enforces only
// the terminal invariant that a key is never staged by two distinct
// StagedMutation records at once.
func (s *stagedMutationSet) add(m *StagedMutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := m.Key.String()
	if _, exists := s.byKey[k]; !exists {
		s.order = append(s.order, m)
	} else {
		for i, existing := range s.order {
			if existing.Key.String() == k {
				s.order[i] = m
				break
			}
		}
	}
	s.byKey[k] = m
}

// remove discards the staged mutation for id, used by the "remove after
// insert" coalescing rule (the insert never existed to the outside).
func (s *stagedMutationSet) remove(id kv.DocumentId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := id.String()
	delete(s.byKey, k)
	for i, existing := range s.order {
		if existing.Key.String() == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// all returns a snapshot of the staged mutations in insertion order.
func (s *stagedMutationSet) all() []*StagedMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StagedMutation, len(s.order))
	copy(out, s.order)
	return out
}

func (s *stagedMutationSet) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) == 0
}

// extractToATREntry populates the inserted/replaced/removed doc-record
// lists of an ATR attempt entry from the currently staged mutations.
func (s *stagedMutationSet) extractToATREntry(entry *atrAttemptJSON) {
	for _, m := range s.all() {
		rec := atrMutationJSON{
			Bucket:     m.Key.BucketName,
			Scope:      m.Key.ScopeName,
			Collection: m.Key.CollectionName,
			Key:        m.Key.Key,
		}
		switch m.OpType {
		case StagedMutationTypeInsert:
			entry.Inserts = append(entry.Inserts, rec)
		case StagedMutationTypeReplace:
			entry.Replaces = append(entry.Replaces, rec)
		case StagedMutationTypeRemove:
			entry.Removes = append(entry.Removes, rec)
		}
	}
}

// checkOwnWriteConflict enforces the own-write coalescing failures called
// out in spec.md §4.2 and §4.4.2 step 1: inserting a key that already has
// a staged remove, replace, or insert in this attempt is FAIL_OTHER — the
// id isn't actually free for a fresh insert in any of those cases.
func (s *stagedMutationSet) checkOwnWriteConflict(id kv.DocumentId, newKind StagedMutationType) error {
	existing := s.findAny(id)
	if existing == nil {
		return nil
	}
	if newKind == StagedMutationTypeInsert {
		return fmt.Errorf("%w: %s", ErrCannotInsertAfterRemove, id)
	}
	return nil
}
