// Package kvtest provides an in-memory fake of kv.Agent, sufficient to
// exercise the full attempt/commit/rollback/cleanup state machine in tests
// without a live document database. It implements just enough subdocument
// path semantics (dotted paths, XATTR vs body addressing, DICT_ADD/
// DICT_SET/DELETE/GET/GET_DOC, access-deleted reads, create-as-deleted
// writes) to stand in for the real transport named in kv.Agent.
package kvtest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"

	"github.com/brett19/dtxn/kv"
)

type document struct {
	body      map[string]any
	xattrs    map[string]any
	cas       kv.Cas
	deleted   bool
	exists    bool
}

// Agent is an in-memory kv.Agent. The zero value is not usable; use New.
type Agent struct {
	mu      sync.Mutex
	docs    map[string]*document
	casSeq  uint64
}

func New() *Agent {
	return &Agent{docs: make(map[string]*document)}
}

func (a *Agent) nextCas() kv.Cas {
	a.casSeq++
	// A monotonic counter shifted into CAS shape so kv.ParseCasToTime /
	// ParseMacroCasToCas accept it; it does not track wall-clock time, and
	// ParseCasToTime on it lands near the Unix epoch.
	return kv.Cas(a.casSeq) << 20
}

func keyOf(id kv.DocumentId) string {
	return id.String()
}

func (a *Agent) getLocked(id kv.DocumentId) (*document, bool) {
	d, ok := a.docs[keyOf(id)]
	return d, ok
}

func (a *Agent) ensureLocked(id kv.DocumentId) *document {
	d, ok := a.getLocked(id)
	if !ok {
		d = &document{body: map[string]any{}, xattrs: map[string]any{}}
		a.docs[keyOf(id)] = d
	}
	return d
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func navigateGet(root map[string]any, segs []string) (any, bool) {
	cur := any(root)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func navigateSet(root map[string]any, segs []string, value any, mkDirP bool) error {
	cur := root
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			if !mkDirP {
				return kv.ErrPathNotFound
			}
			nm := map[string]any{}
			cur[seg] = nm
			cur = nm
			continue
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("kvtest: path %q traverses a scalar", strings.Join(segs[:i+1], "."))
		}
		cur = nm
	}
	return nil
}

func navigateDelete(root map[string]any, segs []string) error {
	cur := root
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			if _, ok := cur[seg]; !ok {
				return kv.ErrPathNotFound
			}
			delete(cur, seg)
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			return kv.ErrPathNotFound
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return kv.ErrPathNotFound
		}
		cur = nm
	}
	return nil
}

func decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeValue(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// docCRC32 mirrors the server's "$document.value_crc32c": a checksum of the
// document's current body, independent of its xattrs, so staging a
// transaction (which only touches xattrs) never changes it.
func docCRC32(d *document) string {
	return fmt.Sprintf("0x%08x", crc32.ChecksumIEEE(encodeValue(d.body)))
}

func (a *Agent) Get(ctx context.Context, opts kv.GetOptions) (*kv.GetResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.getLocked(opts.Key)
	if !ok || (!d.exists && !opts.AccessDeleted) {
		return nil, kv.ErrDocumentNotFound
	}
	if d.deleted && !opts.AccessDeleted {
		return nil, kv.ErrDocumentNotFound
	}
	return &kv.GetResult{
		Value:     encodeValue(d.body),
		Cas:       d.cas,
		IsDeleted: d.deleted,
	}, nil
}

func (a *Agent) LookupIn(ctx context.Context, opts kv.LookupInOptions) (*kv.LookupInResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.getLocked(opts.Key)
	if !ok {
		return nil, kv.ErrDocumentNotFound
	}
	if d.deleted && !opts.AccessDeleted {
		return nil, kv.ErrDocumentNotFound
	}

	results := make([]kv.SubDocResult, len(opts.Ops))
	for i, op := range opts.Ops {
		var root map[string]any
		if op.Flags&kv.SubdocOpFlagXattrPath != 0 {
			root = d.xattrs
		} else {
			root = d.body
		}

		if op.Flags&kv.SubdocOpFlagXattrPath != 0 && op.Path == kv.VirtualXattrDocument {
			results[i] = kv.SubDocResult{Value: encodeValue(map[string]any{"value_crc32c": docCRC32(d)})}
			continue
		}

		switch op.Op {
		case kv.LookupInOpTypeGetDoc:
			results[i] = kv.SubDocResult{Value: encodeValue(d.body)}
		case kv.LookupInOpTypeExists:
			_, found := navigateGet(root, splitPath(op.Path))
			if !found {
				results[i] = kv.SubDocResult{Err: kv.ErrPathNotFound}
			}
		case kv.LookupInOpTypeGetCount:
			v, found := navigateGet(root, splitPath(op.Path))
			if !found {
				results[i] = kv.SubDocResult{Err: kv.ErrPathNotFound}
				continue
			}
			m, _ := v.(map[string]any)
			results[i] = kv.SubDocResult{Value: []byte(strconv.Itoa(len(m)))}
		default: // Get
			v, found := navigateGet(root, splitPath(op.Path))
			if !found {
				results[i] = kv.SubDocResult{Err: kv.ErrPathNotFound}
				continue
			}
			results[i] = kv.SubDocResult{Value: encodeValue(v)}
		}
	}

	return &kv.LookupInResult{Ops: results, Cas: d.cas, IsDeleted: d.deleted}, nil
}

func (a *Agent) expandMacros(op kv.MutateInOp, newCas kv.Cas, d *document) []byte {
	if op.Flags&kv.SubdocOpFlagExpandMacros == 0 {
		return op.Value
	}
	s := string(op.Value)
	switch s {
	case `"${Mutation.CAS}"`, kv.MacroCas:
		return []byte(fmt.Sprintf("%q", fmt.Sprintf("0x%016x", uint64(newCas))))
	case `"${Mutation.ValueCRC32c}"`, kv.MacroValueCRC32C:
		// Staging ops never touch the body, so the post-mutation checksum
		// is just the body's current checksum.
		return []byte(fmt.Sprintf("%q", docCRC32(d)))
	default:
		return op.Value
	}
}

func (a *Agent) MutateIn(ctx context.Context, opts kv.MutateInOptions) (*kv.MutateInResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, existed := a.getLocked(opts.Key)
	switch opts.StoreSemantics {
	case kv.StoreSemanticsInsert:
		if existed && d.exists && !d.deleted {
			return nil, kv.ErrDocumentExists
		}
	case kv.StoreSemanticsReplace:
		if !existed || (!d.exists && !opts.AccessDeleted) {
			return nil, kv.ErrDocumentNotFound
		}
	}
	if !existed {
		d = a.ensureLocked(opts.Key)
	}
	if opts.Cas != 0 && d.cas != 0 && d.cas != opts.Cas {
		return nil, kv.ErrCasMismatch
	}
	if d.deleted && !opts.AccessDeleted && d.exists {
		return nil, kv.ErrDocumentNotFound
	}

	newCas := a.nextCas()

	ordered := kv.ReorderSubdocOps(opts.Ops)
	results := make([]kv.SubDocResult, len(ordered))
	for i, op := range ordered {
		var root map[string]any
		if op.Flags&kv.SubdocOpFlagXattrPath != 0 {
			root = d.xattrs
		} else {
			root = d.body
		}
		mkDirP := op.Flags&kv.SubdocOpFlagMkDirP != 0

		switch op.Op {
		case kv.MutateInOpTypeDictAdd:
			segs := splitPath(op.Path)
			if _, found := navigateGet(root, segs); found {
				results[i] = kv.SubDocResult{Err: kv.ErrPathExists}
				continue
			}
			val, err := decodeValue(a.expandMacros(op, newCas, d))
			if err != nil {
				return nil, err
			}
			if err := navigateSet(root, segs, val, mkDirP); err != nil {
				results[i] = kv.SubDocResult{Err: err}
			}
		case kv.MutateInOpTypeDictSet:
			segs := splitPath(op.Path)
			val, err := decodeValue(a.expandMacros(op, newCas, d))
			if err != nil {
				return nil, err
			}
			if err := navigateSet(root, segs, val, mkDirP); err != nil {
				results[i] = kv.SubDocResult{Err: err}
			}
		case kv.MutateInOpTypeDelete:
			segs := splitPath(op.Path)
			if err := navigateDelete(root, segs); err != nil {
				results[i] = kv.SubDocResult{Err: err}
			}
		case kv.MutateInOpTypeSetDoc:
			val, err := decodeValue(op.Value)
			if err != nil {
				return nil, err
			}
			m, _ := val.(map[string]any)
			if m == nil {
				m = map[string]any{}
			}
			d.body = m
			d.deleted = false
		case kv.MutateInOpTypeDeleteDoc:
			d.body = map[string]any{}
			d.deleted = true
		}
	}

	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
	}

	d.cas = newCas
	d.exists = true
	if opts.CreateAsDeleted && !existed {
		d.deleted = true
	}

	return &kv.MutateInResult{Cas: newCas, Ops: results}, nil
}

func (a *Agent) Add(ctx context.Context, opts kv.StoreOptions) (*kv.StoreResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.getLocked(opts.Key)
	if ok && d.exists && !d.deleted {
		return nil, kv.ErrDocumentExists
	}
	if !ok {
		d = a.ensureLocked(opts.Key)
	}
	val, err := decodeValue(opts.Value)
	if err != nil {
		return nil, err
	}
	m, _ := val.(map[string]any)
	d.body = m
	d.xattrs = map[string]any{}
	d.deleted = false
	d.exists = true
	d.cas = a.nextCas()
	return &kv.StoreResult{Cas: d.cas}, nil
}

func (a *Agent) Upsert(ctx context.Context, opts kv.StoreOptions) (*kv.StoreResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.ensureLocked(opts.Key)
	if opts.Cas != 0 && d.cas != 0 && d.cas != opts.Cas {
		return nil, kv.ErrCasMismatch
	}
	val, err := decodeValue(opts.Value)
	if err != nil {
		return nil, err
	}
	m, _ := val.(map[string]any)
	d.body = m
	d.deleted = false
	d.exists = true
	d.cas = a.nextCas()
	return &kv.StoreResult{Cas: d.cas}, nil
}

func (a *Agent) Replace(ctx context.Context, opts kv.StoreOptions) (*kv.StoreResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.getLocked(opts.Key)
	if !ok || !d.exists || d.deleted {
		return nil, kv.ErrDocumentNotFound
	}
	if opts.Cas != 0 && d.cas != opts.Cas {
		return nil, kv.ErrCasMismatch
	}
	val, err := decodeValue(opts.Value)
	if err != nil {
		return nil, err
	}
	m, _ := val.(map[string]any)
	d.body = m
	d.cas = a.nextCas()
	return &kv.StoreResult{Cas: d.cas}, nil
}

func (a *Agent) Delete(ctx context.Context, opts kv.DeleteOptions) (*kv.DeleteResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.getLocked(opts.Key)
	if !ok || !d.exists || d.deleted {
		return nil, kv.ErrDocumentNotFound
	}
	if opts.Cas != 0 && d.cas != opts.Cas {
		return nil, kv.ErrCasMismatch
	}
	d.deleted = true
	d.body = map[string]any{}
	d.xattrs = map[string]any{}
	d.cas = a.nextCas()
	return &kv.DeleteResult{Cas: d.cas}, nil
}

// Peek is a test-only accessor for asserting on a document's raw state.
func (a *Agent) Peek(id kv.DocumentId) (body map[string]any, xattrs map[string]any, exists bool, deleted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.getLocked(id)
	if !ok {
		return nil, nil, false, false
	}
	return d.body, d.xattrs, d.exists, d.deleted
}
