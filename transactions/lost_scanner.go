package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/brett19/dtxn/kv"
	"github.com/brett19/dtxn/txmetrics"
	"go.uber.org/zap"
)

// lostTxnScanInterval is how often the scanner sweeps its configured
// buckets (spec.md §4.6: periodic enumeration of all numATRsPerBucket ATR
// documents).
const lostTxnScanInterval = 60 * time.Second

// lostTransactionScanner periodically enumerates every ATR document across
// the configured buckets and cleans up any attempt it finds expired,
// recovering transactions whose originating client crashed or was never
// able to register them on a live Cleanup Queue. Partitioned across
// cooperating clients via the Client Record (clientrecord.go, SPEC_FULL.md
// §4.8) so that each ATR is scanned by exactly one client at a time.
type lostTransactionScanner struct {
	cfg       Config
	locations []LostATRLocation
	logger    *zap.Logger

	mu         sync.Mutex
	registries map[string]*clientRecordRegistry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newLostTransactionScanner(cfg Config) *lostTransactionScanner {
	var locs []LostATRLocation
	if cfg.MetadataCollection != nil {
		locs = append(locs, LostATRLocation{
			BucketName:     cfg.MetadataCollection.BucketName,
			ScopeName:      cfg.MetadataCollection.ScopeName,
			CollectionName: cfg.MetadataCollection.CollectionName,
		})
	}
	return &lostTransactionScanner{
		cfg: cfg, locations: locs, logger: cfg.Logger, stopCh: make(chan struct{}),
		registries: make(map[string]*clientRecordRegistry),
	}
}

func (s *lostTransactionScanner) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *lostTransactionScanner) stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range s.registries {
		r.stop(ctx)
	}
}

func (s *lostTransactionScanner) registryFor(ctx context.Context, bucketName string, agent kv.Agent) *clientRecordRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.registries[bucketName]; ok {
		return r
	}
	r := newClientRecordRegistry(bucketName, agent, s.cfg.ClientRecordHooks, s.cfg.NumATRs)
	if err := r.start(ctx); err != nil {
		s.logger.Warn("client record registration failed, falling back to scanning all ATRs",
			zap.String("bucket", bucketName), zap.Error(err))
	}
	s.registries[bucketName] = r
	return r
}

func (s *lostTransactionScanner) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(lostTxnScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, loc := range s.locations {
				if err := s.scanLocation(loc); err != nil {
					s.logger.Warn("lost transaction scan failed", zap.String("bucket", loc.BucketName), zap.Error(err))
				}
			}
		}
	}
}

// scanLocation enumerates every canonical ATR key in a bucket/scope/
// collection, reads its set of attempt entries, and hands any expired one
// to the same cleanup logic the Cleanup Queue's worker uses.
func (s *lostTransactionScanner) scanLocation(loc LostATRLocation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	agent, _, err := s.cfg.BucketAgentProvider(ctx, loc.BucketName)
	if err != nil {
		return err
	}

	worker := newCleanupWorker(s.cfg, nil)

	registry := s.registryFor(ctx, loc.BucketName, agent)
	indices := registry.assignedATRIndices(ctx)

	for _, i := range indices {
		atrKey := canonicalATRKeyForVbucket(i)
		locKey := atrLocationKey{bucket: loc.BucketName, scope: loc.ScopeName, collection: loc.CollectionName, key: atrKey}

		entries, err := listATRAttempts(ctx, agent, locKey)
		if err != nil {
			continue
		}

		now := time.Now()
		for attemptID, entry := range entries {
			started := now
			if tstCas, err := kv.ParseMacroCasToCas(entry.StartTimestamp); err == nil {
				started = kv.ParseCasToTime(tstCas)
			}
			if !atrExpired(now.UnixMilli(), started.UnixMilli(), entry.ExpiresAfterMS, defaultSafetyMarginMS) {
				continue
			}
			reg := atrRegistration{loc: locKey, attemptID: attemptID, minStartTime: now}
			if err := worker.cleanupAttempt(ctx, reg); err != nil {
				s.logger.Warn("lost attempt cleanup failed",
					zap.String("attemptID", attemptID), zap.String("atr", atrKey), zap.Error(err))
			} else {
				txmetrics.RecordLostAttemptCleaned(ctx, loc.BucketName)
			}
		}
	}
	return nil
}

// listATRAttempts reads the full "attempts" xattr map off one ATR
// document.
func listATRAttempts(ctx context.Context, agent kv.Agent, loc atrLocationKey) (map[string]*atrAttemptJSON, error) {
	res, err := agent.LookupIn(ctx, kv.LookupInOptions{
		Key: loc.docID(),
		Ops: []kv.LookupInOp{{Op: kv.LookupInOpTypeGet, Flags: kv.SubdocOpFlagXattrPath, Path: "attempts"}},
	})
	if err != nil {
		return nil, err
	}
	if res.Ops[0].Err != nil {
		return nil, res.Ops[0].Err
	}

	var raw map[string]*atrAttemptJSON
	if err := json.Unmarshal(res.Ops[0].Value, &raw); err != nil {
		return nil, fmt.Errorf("transactions: decoding atr attempts map: %w", err)
	}
	return raw, nil
}
