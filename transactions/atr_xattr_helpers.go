package transactions

import (
	"context"
	"encoding/json"

	"github.com/brett19/dtxn/kv"
)

// atrFieldOp builds a single MutateIn op writing one field under
// "attempts.<attemptID>.<field>" on the ATR document, optionally with
// macro expansion (for ${Mutation.CAS}-style server timestamps).
func atrFieldOp(op kv.MutateInOpType, attemptID, field string, value any, expandMacros bool) (kv.MutateInOp, error) {
	var raw []byte
	if s, ok := value.(string); ok && expandMacros {
		raw = []byte(s)
	} else {
		b, err := json.Marshal(value)
		if err != nil {
			return kv.MutateInOp{}, err
		}
		raw = b
	}

	flags := kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP
	if expandMacros {
		flags |= kv.SubdocOpFlagExpandMacros
	}

	return kv.MutateInOp{
		Op:    op,
		Flags: flags,
		Path:  "attempts." + attemptID + "." + field,
		Value: raw,
	}, nil
}

// lookupATRAttempt reads a single attempt's entry, and the ATR document's
// CAS, from the ATR document addressed by loc.
func lookupATRAttempt(ctx context.Context, agent kv.Agent, loc atrLocationKey, attemptID string) (*atrAttemptJSON, kv.Cas, error) {
	res, err := agent.LookupIn(ctx, kv.LookupInOptions{
		Key: kv.DocumentId{
			BucketName:     loc.bucket,
			ScopeName:      loc.scope,
			CollectionName: loc.collection,
			Key:            loc.key,
		},
		Ops: []kv.LookupInOp{
			{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: "attempts." + attemptID},
		},
		AccessDeleted: true,
	})
	if err != nil {
		return nil, 0, err
	}
	if res.Ops[0].Err != nil {
		return nil, res.Cas, res.Ops[0].Err
	}
	var entry atrAttemptJSON
	if err := json.Unmarshal(res.Ops[0].Value, &entry); err != nil {
		return nil, res.Cas, err
	}
	return &entry, res.Cas, nil
}

// atrLocationKey is the resolved (bucket, scope, collection, atr key)
// tuple identifying one ATR document.
type atrLocationKey struct {
	bucket, scope, collection, key string
}

func (l atrLocationKey) docID() kv.DocumentId {
	return kv.DocumentId{BucketName: l.bucket, ScopeName: l.scope, CollectionName: l.collection, Key: l.key}
}
