package engine

import (
	"fmt"

	"github.com/driftdb/driftdb/local"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
	"github.com/driftdb/driftdb/utils"
)

// MaxConcurrentLimboResolutions caps the single-document listens in
// flight at once; further limbo keys wait in FIFO order.
const MaxConcurrentLimboResolutions = 100

// RemoteProvider is the remote store surface the engine drives.
type RemoteProvider interface {
	Listen(td *query.TargetData)
	Unlisten(id query.TargetID)
	FillWritePipeline()
	EnableNetwork()
	DisableNetwork()
}

// SyncEngineListener receives everything user-visible the engine
// produces. The event manager implements it.
type SyncEngineListener interface {
	OnViewSnapshots(snaps []ViewSnapshot)
	OnWatchError(q query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

type queryView struct {
	query    query.Query
	targetID query.TargetID
	view     *View
}

// limboResolution is one active single-document lookup. The received
// flag distinguishes "server said nothing yet" from "server sent the
// document", which decides how an existence filter is answered.
type limboResolution struct {
	key      model.DocumentKey
	received bool
}

// SyncEngine is the mediator: the local store below it, the remote
// store beside it, the event manager above it. It owns the query views
// and keeps them consistent with both stores. All methods run on the
// async queue.
type SyncEngine struct {
	log         utils.Logger
	localStore  *local.LocalStore
	remoteStore RemoteProvider
	listener    SyncEngineListener
	isPrimary   bool

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[query.TargetID][]query.Query

	// limbo bookkeeping: which views still show each limbo key, the
	// FIFO of keys waiting for a resolution slot, and the active
	// resolutions by key and by target.
	limboListenRefs   map[model.DocumentKey]map[query.TargetID]struct{}
	enqueuedLimboKeys []model.DocumentKey
	limboTargetsByKey map[model.DocumentKey]query.TargetID
	activeLimboByID   map[query.TargetID]*limboResolution
	nextLimboTargetID query.TargetID

	mutationCallbacks    map[model.BatchID]func(error)
	pendingWriteBarriers map[model.BatchID][]func(error)
}

func NewSyncEngine(
	log utils.Logger,
	localStore *local.LocalStore,
	remoteStore RemoteProvider,
	listener SyncEngineListener,
	isPrimary bool,
) *SyncEngine {
	return &SyncEngine{
		log:                  log,
		localStore:           localStore,
		remoteStore:          remoteStore,
		listener:             listener,
		isPrimary:            isPrimary,
		queryViewsByQuery:    map[string]*queryView{},
		queriesByTarget:      map[query.TargetID][]query.Query{},
		limboListenRefs:      map[model.DocumentKey]map[query.TargetID]struct{}{},
		limboTargetsByKey:    map[model.DocumentKey]query.TargetID{},
		activeLimboByID:      map[query.TargetID]*limboResolution{},
		nextLimboTargetID:    1, // odd ids; the target cache allocates even ones
		mutationCallbacks:    map[model.BatchID]func(error){},
		pendingWriteBarriers: map[model.BatchID][]func(error){},
	}
}

func (e *SyncEngine) IsPrimary() bool { return e.isPrimary }

// Listen starts a query: the target is allocated, the view built from
// the cache, and the server listen issued. Returns the initial
// snapshot.
func (e *SyncEngine) Listen(q query.Query) (*ViewSnapshot, error) {
	if _, ok := e.queryViewsByQuery[q.CanonicalID()]; ok {
		return nil, fmt.Errorf("driftdb: already listening to %s", q.CanonicalID())
	}
	td, err := e.localStore.AllocateTarget(q.ToTarget(), query.PurposeListen)
	if err != nil {
		return nil, err
	}
	siblings := e.queriesByTarget[td.TargetID]
	// a sibling query maps to the same target, e.g. the mirror-order
	// limitToLast form; the new view inherits its sync state
	current := false
	for _, sibling := range siblings {
		if qv := e.queryViewsByQuery[sibling.CanonicalID()]; qv != nil {
			current = qv.view.SyncState() == SyncStateSynced
		}
	}
	snap, err := e.initializeView(q, td.TargetID, current)
	if err != nil {
		return nil, err
	}
	e.queriesByTarget[td.TargetID] = append(siblings, q)
	if len(siblings) == 0 && e.isPrimary {
		e.remoteStore.Listen(td)
	}
	return snap, nil
}

func (e *SyncEngine) initializeView(q query.Query, targetID query.TargetID, current bool) (*ViewSnapshot, error) {
	qr, err := e.localStore.ExecuteQuery(q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, qr.RemoteKeys)
	changes := view.ComputeChanges(qr.Documents, nil)
	vc := view.ApplyChanges(changes, e.isPrimary, SynthesizeCurrentChange(current, qr.RemoteKeys))
	e.updateTrackedLimbos(vc.LimboChanges, targetID)
	e.queryViewsByQuery[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	return vc.Snapshot, nil
}

// Unlisten stops a query. The last query on a target releases it
// locally and unregisters the server listen.
func (e *SyncEngine) Unlisten(q query.Query) {
	qv, ok := e.queryViewsByQuery[q.CanonicalID()]
	if !ok {
		return
	}
	delete(e.queryViewsByQuery, q.CanonicalID())
	remaining := e.queriesByTarget[qv.targetID][:0]
	for _, other := range e.queriesByTarget[qv.targetID] {
		if !other.Equal(&q) {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) > 0 {
		e.queriesByTarget[qv.targetID] = remaining
		return
	}
	delete(e.queriesByTarget, qv.targetID)
	e.localStore.ReleaseTarget(qv.targetID)
	if e.isPrimary {
		e.remoteStore.Unlisten(qv.targetID)
	}
	e.dropLimboRefsForTarget(qv.targetID)
}

// Write queues the mutations locally, raises the optimistic snapshots
// and kicks the write pipeline. done fires once the server commits or
// rejects the batch.
func (e *SyncEngine) Write(mutations []model.Mutation, done func(error)) {
	result, err := e.localStore.WriteLocally(mutations)
	if err != nil {
		done(err)
		return
	}
	e.mutationCallbacks[result.BatchID] = done
	if err := e.emitNewSnapshots(result.Changes, nil); err != nil {
		e.log.Error("sync engine: emitting write snapshots failed", "err", err)
	}
	e.remoteStore.FillWritePipeline()
}

// WaitForPendingWrites fires done once every batch queued at call time
// has been acknowledged or rejected by the server.
func (e *SyncEngine) WaitForPendingWrites(done func(error)) {
	highest, err := e.localStore.HighestUnacknowledgedBatchID()
	if err != nil {
		done(err)
		return
	}
	if highest == 0 {
		done(nil)
		return
	}
	e.pendingWriteBarriers[highest] = append(e.pendingWriteBarriers[highest], done)
}

// RemoteSyncer.

func (e *SyncEngine) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	changes, err := e.localStore.AcknowledgeBatch(result)
	if err != nil {
		return err
	}
	e.resolveMutation(result.Batch.BatchID, nil)
	return e.emitNewSnapshots(changes, nil)
}

func (e *SyncEngine) RejectFailedWrite(batchID model.BatchID, rpcErr *remote.RPCError) error {
	changes, err := e.localStore.RejectBatch(batchID)
	if err != nil {
		return err
	}
	e.resolveMutation(batchID, rpcErr)
	return e.emitNewSnapshots(changes, nil)
}

func (e *SyncEngine) resolveMutation(batchID model.BatchID, result error) {
	if done, ok := e.mutationCallbacks[batchID]; ok {
		delete(e.mutationCallbacks, batchID)
		done(result)
	}
	for _, done := range e.pendingWriteBarriers[batchID] {
		done(result)
	}
	delete(e.pendingWriteBarriers, batchID)
}

func (e *SyncEngine) ApplyRemoteEvent(event *remote.RemoteEvent) error {
	changes, err := e.localStore.ApplyRemoteEvent(event)
	if err != nil {
		return err
	}
	// limbo targets watch exactly one document, so the target change
	// tells us directly whether the server produced it
	for targetID, tc := range event.TargetChanges {
		lr, ok := e.activeLimboByID[targetID]
		if !ok {
			continue
		}
		switch {
		case len(tc.AddedDocuments) > 0:
			lr.received = true
		case len(tc.RemovedDocuments) > 0:
			lr.received = false
		}
	}
	return e.emitNewSnapshots(changes, event)
}

// RejectListen handles a target-scoped server error. A failed limbo
// lookup counts as a confirmed delete; a failed query listen is fatal
// for its listeners.
func (e *SyncEngine) RejectListen(targetID query.TargetID, rpcErr *remote.RPCError) error {
	if lr, ok := e.activeLimboByID[targetID]; ok {
		delete(e.activeLimboByID, targetID)
		delete(e.limboTargetsByKey, lr.key)
		e.pumpEnqueuedLimboResolutions()
		event := &remote.RemoteEvent{
			SnapshotVersion:        model.VersionZero,
			TargetChanges:          map[query.TargetID]*remote.TargetChange{},
			TargetMismatches:       map[query.TargetID]query.TargetPurpose{},
			DocumentUpdates:        model.DocumentMap{lr.key: model.NewNoDocument(lr.key, model.VersionZero)},
			ResolvedLimboDocuments: model.NewDocumentKeySet(lr.key),
		}
		return e.ApplyRemoteEvent(event)
	}

	e.localStore.ReleaseTarget(targetID)
	queries := e.queriesByTarget[targetID]
	delete(e.queriesByTarget, targetID)
	e.dropLimboRefsForTarget(targetID)
	for _, q := range queries {
		delete(e.queryViewsByQuery, q.CanonicalID())
		e.listener.OnWatchError(q, rpcErr)
	}
	return nil
}

func (e *SyncEngine) RemoteKeysForTarget(targetID query.TargetID) model.DocumentKeySet {
	if lr, ok := e.activeLimboByID[targetID]; ok {
		if lr.received {
			return model.NewDocumentKeySet(lr.key)
		}
		return model.DocumentKeySet{}
	}
	keys, err := e.localStore.RemoteDocumentKeys(targetID)
	if err != nil {
		e.log.Error("sync engine: reading target membership failed", "targetId", targetID, "err", err)
		return model.DocumentKeySet{}
	}
	return keys
}

func (e *SyncEngine) HandleOnlineStateChange(state remote.OnlineState) {
	var snaps []ViewSnapshot
	for _, qv := range e.queryViewsByQuery {
		vc := qv.view.ApplyOnlineStateChange(state)
		if vc.Snapshot != nil {
			snaps = append(snaps, *vc.Snapshot)
		}
	}
	if len(snaps) > 0 {
		e.listener.OnViewSnapshots(snaps)
	}
	e.listener.OnOnlineStateChange(state)
}

// emitNewSnapshots re-diffs every view against the changed documents,
// refilling limit queries from the store when eviction may have opened
// a slot, and reports materialized views back to the local store.
func (e *SyncEngine) emitNewSnapshots(changes model.DocumentMap, event *remote.RemoteEvent) error {
	var snaps []ViewSnapshot
	var localChanges []local.LocalViewChange
	for _, qv := range e.queryViewsByQuery {
		diff := qv.view.ComputeChanges(changes, nil)
		if diff.needsRefill {
			qr, err := e.localStore.ExecuteQuery(qv.query, false)
			if err != nil {
				return err
			}
			diff = qv.view.ComputeChanges(qr.Documents, &diff)
		}
		var tc *remote.TargetChange
		if event != nil {
			tc = event.TargetChanges[qv.targetID]
		}
		vc := qv.view.ApplyChanges(diff, e.isPrimary, tc)
		e.updateTrackedLimbos(vc.LimboChanges, qv.targetID)
		if vc.Snapshot != nil {
			snaps = append(snaps, *vc.Snapshot)
			localChanges = append(localChanges, local.LocalViewChange{
				TargetID:  qv.targetID,
				FromCache: vc.Snapshot.FromCache,
			})
		}
	}
	if len(snaps) > 0 {
		e.listener.OnViewSnapshots(snaps)
	}
	return e.localStore.NotifyLocalViewChanges(localChanges)
}

// Limbo resolution.

func (e *SyncEngine) updateTrackedLimbos(changes []LimboDocumentChange, targetID query.TargetID) {
	if !e.isPrimary {
		return
	}
	for _, change := range changes {
		if change.Added {
			e.addLimboRef(change.Key, targetID)
		} else {
			e.removeLimboRef(change.Key, targetID)
		}
	}
}

func (e *SyncEngine) addLimboRef(key model.DocumentKey, targetID query.TargetID) {
	refs := e.limboListenRefs[key]
	first := len(refs) == 0
	if refs == nil {
		refs = map[query.TargetID]struct{}{}
		e.limboListenRefs[key] = refs
	}
	refs[targetID] = struct{}{}
	if first {
		e.log.Debug("new document in limbo", "key", key.String())
		e.enqueuedLimboKeys = append(e.enqueuedLimboKeys, key)
		e.pumpEnqueuedLimboResolutions()
	}
}

func (e *SyncEngine) removeLimboRef(key model.DocumentKey, targetID query.TargetID) {
	refs := e.limboListenRefs[key]
	delete(refs, targetID)
	if len(refs) == 0 {
		delete(e.limboListenRefs, key)
		e.stopLimboResolution(key)
	}
}

func (e *SyncEngine) dropLimboRefsForTarget(targetID query.TargetID) {
	for key, refs := range e.limboListenRefs {
		if _, ok := refs[targetID]; !ok {
			continue
		}
		delete(refs, targetID)
		if len(refs) == 0 {
			delete(e.limboListenRefs, key)
			e.stopLimboResolution(key)
		}
	}
}

func (e *SyncEngine) stopLimboResolution(key model.DocumentKey) {
	if limboID, ok := e.limboTargetsByKey[key]; ok {
		delete(e.limboTargetsByKey, key)
		delete(e.activeLimboByID, limboID)
		e.remoteStore.Unlisten(limboID)
		e.pumpEnqueuedLimboResolutions()
		return
	}
	for i, queued := range e.enqueuedLimboKeys {
		if queued == key {
			e.enqueuedLimboKeys = append(e.enqueuedLimboKeys[:i], e.enqueuedLimboKeys[i+1:]...)
			break
		}
	}
}

// pumpEnqueuedLimboResolutions starts waiting lookups until the
// concurrency cap is reached, in the order the keys entered limbo.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimboKeys) > 0 && len(e.activeLimboByID) < MaxConcurrentLimboResolutions {
		key := e.enqueuedLimboKeys[0]
		e.enqueuedLimboKeys = e.enqueuedLimboKeys[1:]
		limboID := e.nextLimboTargetID
		e.nextLimboTargetID += 2
		e.activeLimboByID[limboID] = &limboResolution{key: key}
		e.limboTargetsByKey[key] = limboID
		q := query.NewQuery(key.Path())
		e.remoteStore.Listen(query.NewTargetData(q.ToTarget(), limboID, query.PurposeLimboResolution, 0))
	}
}

// ActiveLimboResolutions reports the in-flight lookups by key, for
// introspection.
func (e *SyncEngine) ActiveLimboResolutions() map[model.DocumentKey]query.TargetID {
	out := make(map[model.DocumentKey]query.TargetID, len(e.limboTargetsByKey))
	for k, v := range e.limboTargetsByKey {
		out[k] = v
	}
	return out
}

// EnqueuedLimboResolutions reports the keys still waiting for a slot,
// oldest first.
func (e *SyncEngine) EnqueuedLimboResolutions() []model.DocumentKey {
	return append([]model.DocumentKey{}, e.enqueuedLimboKeys...)
}

// ActiveTargets reports every target id still in use, query views and
// limbo lookups both. Garbage collection must leave these alone.
func (e *SyncEngine) ActiveTargets() map[query.TargetID]bool {
	ids := make(map[query.TargetID]bool, len(e.queriesByTarget)+len(e.activeLimboByID))
	for id := range e.queriesByTarget {
		ids[id] = true
	}
	for id := range e.activeLimboByID {
		ids[id] = true
	}
	return ids
}

// Primary transitions.

// ApplyPrimaryState promotes or demotes this client. A promoted client
// re-issues every active listen against the server; a demoted one
// abandons its limbo lookups and goes cache-only.
func (e *SyncEngine) ApplyPrimaryState(isPrimary bool) error {
	if isPrimary == e.isPrimary {
		return nil
	}
	e.isPrimary = isPrimary
	if isPrimary {
		e.remoteStore.EnableNetwork()
		for targetID, queries := range e.queriesByTarget {
			td := e.localStore.TargetData(targetID)
			if td == nil && len(queries) > 0 {
				var err error
				td, err = e.localStore.AllocateTarget(queries[0].ToTarget(), query.PurposeListen)
				if err != nil {
					return err
				}
			}
			if td != nil {
				e.remoteStore.Listen(td)
			}
		}
		// re-derive limbo state for every view now that we resolve it
		return e.emitNewSnapshots(model.DocumentMap{}, nil)
	}

	for limboID := range e.activeLimboByID {
		e.remoteStore.Unlisten(limboID)
	}
	e.activeLimboByID = map[query.TargetID]*limboResolution{}
	e.limboTargetsByKey = map[model.DocumentKey]query.TargetID{}
	e.limboListenRefs = map[model.DocumentKey]map[query.TargetID]struct{}{}
	e.enqueuedLimboKeys = nil
	e.remoteStore.DisableNetwork()
	return nil
}

// HandleUserChange swaps the mutation queue user and re-raises every
// view from the new user's local state. Outstanding mutation callbacks
// belong to the old user and are not carried over.
func (e *SyncEngine) HandleUserChange(uid string) error {
	changes, err := e.localStore.HandleUserChange(uid)
	if err != nil {
		return err
	}
	return e.emitNewSnapshots(changes, nil)
}
