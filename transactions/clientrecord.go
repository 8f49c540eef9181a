package transactions

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/brett19/dtxn/kv"
)

// clientRecordDocKey is the well-known per-bucket document the Client
// Record lives under (SPEC_FULL.md §4.8).
const clientRecordDocKey = "_txn:client-record"

// clientRecordHeartbeatInterval is how often a registered client refreshes
// its entry; clientRecordExpiry is how stale an entry may get before
// another client's scan treats it as dead.
const (
	clientRecordHeartbeatInterval = 10 * time.Second
	clientRecordExpiry            = 20 * time.Second
)

// ClientRecord is one known client's entry in the client record document:
// {ClientUUID, HeartbeatMS, ExpiresMS, NumATRs} stored as XATTRs on a
// well-known document (SPEC_FULL.md §4.8).
type ClientRecord struct {
	ClientUUID  string `json:"uuid"`
	HeartbeatMS int64  `json:"heartbeat_ms"`
	ExpiresMS   int64  `json:"expires_ms"`
	NumATRs     int    `json:"num_atrs"`
}

// clientRecordRegistry owns this process's membership in a bucket's
// client record: periodic heartbeats, and computing this client's ATR
// index partition relative to every other live client.
type clientRecordRegistry struct {
	clientUUID string
	bucketName string
	agent      kv.Agent
	hooks      TransactionClientRecordHooks
	numATRs    int

	stopCh chan struct{}
}

func newClientRecordRegistry(bucketName string, agent kv.Agent, hooks TransactionClientRecordHooks, numATRs int) *clientRecordRegistry {
	return &clientRecordRegistry{
		clientUUID: newUUID(),
		bucketName: bucketName,
		agent:      agent,
		hooks:      hooks,
		numATRs:    numATRs,
		stopCh:     make(chan struct{}),
	}
}

func (r *clientRecordRegistry) start(ctx context.Context) error {
	if err := invokeHook(ctx, r.hooks.BeforeCreateRecord, r.clientUUID); err != nil {
		return classifyHookError(err).Source
	}
	if err := r.heartbeat(ctx); err != nil {
		return err
	}
	go r.loop()
	return nil
}

func (r *clientRecordRegistry) loop() {
	ticker := time.NewTicker(clientRecordHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = r.heartbeat(ctx)
			cancel()
		}
	}
}

func (r *clientRecordRegistry) stop(ctx context.Context) {
	close(r.stopCh)
	_ = invokeHook(ctx, r.hooks.BeforeRemoveClient, r.clientUUID)
	_, _ = r.agent.MutateIn(ctx, kv.MutateInOptions{
		Key: r.docID(),
		Ops: []kv.MutateInOp{
			{Op: kv.MutateInOpTypeDelete, Flags: kv.SubdocOpFlagXattrPath, Path: "records.clients." + r.clientUUID},
		},
	})
}

func (r *clientRecordRegistry) docID() kv.DocumentId {
	return kv.DocumentId{BucketName: r.bucketName, ScopeName: "_default", CollectionName: "_default", Key: clientRecordDocKey}
}

func (r *clientRecordRegistry) heartbeat(ctx context.Context) error {
	if err := invokeHook(ctx, r.hooks.BeforeUpdateCas, r.clientUUID); err != nil {
		return classifyHookError(err).Source
	}

	now := time.Now()
	rec := ClientRecord{
		ClientUUID:  r.clientUUID,
		HeartbeatMS: now.UnixMilli(),
		ExpiresMS:   now.Add(clientRecordExpiry).UnixMilli(),
		NumATRs:     r.numATRs,
	}
	recB, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = r.agent.MutateIn(ctx, kv.MutateInOptions{
		Key: r.docID(),
		Ops: []kv.MutateInOp{
			{Op: kv.MutateInOpTypeDictSet, Flags: kv.SubdocOpFlagXattrPath | kv.SubdocOpFlagMkDirP, Path: "records.clients." + r.clientUUID, Value: recB},
		},
		StoreSemantics: kv.StoreSemanticsUpsert,
	})
	return err
}

// liveClients reads every non-expired entry off the client record
// document, sorted by UUID for a deterministic partition ordering.
func (r *clientRecordRegistry) liveClients(ctx context.Context) ([]ClientRecord, error) {
	res, err := r.agent.LookupIn(ctx, kv.LookupInOptions{
		Key: r.docID(),
		Ops: []kv.LookupInOp{{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: "records.clients"}},
	})
	if err != nil {
		return nil, err
	}
	if res.Ops[0].Err != nil {
		return nil, res.Ops[0].Err
	}

	var raw map[string]ClientRecord
	if err := json.Unmarshal(res.Ops[0].Value, &raw); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var live []ClientRecord
	for _, c := range raw {
		if c.ExpiresMS > now {
			live = append(live, c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ClientUUID < live[j].ClientUUID })
	return live, nil
}

// assignedATRIndices computes the subset of [0, numATRsPerBucket) this
// client is responsible for scanning: atrIndex % activeClientCount ==
// myClientPosition, falling back to every index when the client record is
// unavailable or this client isn't (yet) listed among the live set
// (SPEC_FULL.md §4.8 — an additive scheduling optimization, not a
// semantic change to who may clean up a given ATR).
func (r *clientRecordRegistry) assignedATRIndices(ctx context.Context) []int {
	all := func() []int {
		out := make([]int, numATRsPerBucket)
		for i := range out {
			out[i] = i
		}
		return out
	}

	live, err := r.liveClients(ctx)
	if err != nil || len(live) == 0 {
		return all()
	}

	myPos := -1
	for i, c := range live {
		if c.ClientUUID == r.clientUUID {
			myPos = i
			break
		}
	}
	if myPos < 0 {
		return all()
	}

	n := len(live)
	var mine []int
	for i := 0; i < numATRsPerBucket; i++ {
		if i%n == myPos {
			mine = append(mine, i)
		}
	}
	return mine
}
