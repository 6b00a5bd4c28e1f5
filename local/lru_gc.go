package local

import (
	"sort"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
)

// LruParams tunes garbage collection. CollectionThresholdBytes gates
// collection entirely; once exceeded, the oldest PercentileToCollect
// percent of persisted targets (by listen sequence number) are
// dropped, capped at MaxTargetsToCollect per run.
type LruParams struct {
	CollectionThresholdBytes int64
	PercentileToCollect      int
	MaxTargetsToCollect      int
}

func DefaultLruParams() LruParams {
	return LruParams{
		CollectionThresholdBytes: 40 * 1024 * 1024,
		PercentileToCollect:      10,
		MaxTargetsToCollect:      1000,
	}
}

// LruResults reports one collection run.
type LruResults struct {
	DidRun           bool
	TargetsRemoved   int
	DocumentsRemoved int
}

// Sizer is implemented by persistence backends that can estimate their
// on-disk footprint.
type Sizer interface {
	EstimatedSizeBytes() int64
}

// LruGarbageCollector drops targets that have not been listened to
// recently, then any documents those targets were the last reference
// to. Documents with queued mutations are never collected.
type LruGarbageCollector struct {
	log    utils.Logger
	params LruParams
	store  *LocalStore
}

func NewLruGarbageCollector(store *LocalStore, params LruParams, log utils.Logger) *LruGarbageCollector {
	return &LruGarbageCollector{log: log, params: params, store: store}
}

// Collect runs one pass. activeTargetIDs are exempt regardless of age.
func (gc *LruGarbageCollector) Collect(activeTargetIDs map[query.TargetID]bool) (LruResults, error) {
	if sizer, ok := gc.store.persistence.(Sizer); ok {
		if sizer.EstimatedSizeBytes() < gc.params.CollectionThresholdBytes {
			return LruResults{}, nil
		}
	}
	var res LruResults
	err := gc.store.persistence.Run("garbage collection", PrimaryLeaseReadWrite, func(tx Transaction) error {
		upperBound, err := gc.sequenceUpperBound(tx)
		if err != nil {
			return err
		}
		candidates := model.DocumentKeySet{}
		var removable []*query.TargetData
		err = gc.store.targetCache.ForEachTarget(tx, func(td *query.TargetData) error {
			if td.SequenceNumber > upperBound || activeTargetIDs[td.TargetID] {
				return nil
			}
			removable = append(removable, td)
			return nil
		})
		if err != nil {
			return err
		}
		if len(removable) > gc.params.MaxTargetsToCollect {
			removable = removable[:gc.params.MaxTargetsToCollect]
		}
		for _, td := range removable {
			keys, err := gc.store.targetCache.MatchingKeys(tx, td.TargetID)
			if err != nil {
				return err
			}
			candidates = candidates.Union(keys)
			if err := gc.store.targetCache.RemoveTargetData(tx, td); err != nil {
				return err
			}
			res.TargetsRemoved++
		}
		removedDocs, err := gc.removeOrphanedDocuments(tx, candidates)
		if err != nil {
			return err
		}
		res.DocumentsRemoved = removedDocs
		res.DidRun = true
		return nil
	})
	if err != nil {
		return LruResults{}, err
	}
	if res.DidRun {
		gc.log.Info("garbage collection pass",
			"targets_removed", res.TargetsRemoved, "documents_removed", res.DocumentsRemoved)
	}
	return res, nil
}

// sequenceUpperBound is the sequence number at the configured
// percentile of persisted targets, oldest first.
func (gc *LruGarbageCollector) sequenceUpperBound(tx Transaction) (int64, error) {
	var seqs []int64
	err := gc.store.targetCache.ForEachTarget(tx, func(td *query.TargetData) error {
		seqs = append(seqs, td.SequenceNumber)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	idx := len(seqs) * gc.params.PercentileToCollect / 100
	if idx >= len(seqs) {
		idx = len(seqs) - 1
	}
	return seqs[idx], nil
}

// removeOrphanedDocuments drops candidates that no remaining target
// references and no queued mutation touches.
func (gc *LruGarbageCollector) removeOrphanedDocuments(tx Transaction, candidates model.DocumentKeySet) (int, error) {
	removed := 0
	for _, key := range candidates.Sorted() {
		referenced, err := gc.store.targetCache.ContainsKey(tx, key)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}
		ids, err := gc.store.queue.BatchIDsAffectingKey(tx, key)
		if err != nil {
			return removed, err
		}
		if len(ids) > 0 {
			continue
		}
		if err := gc.store.remoteDocs.Remove(tx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
