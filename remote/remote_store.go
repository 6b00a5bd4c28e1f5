package remote

import (
	"errors"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
)

// maximum mutation batches in flight on the write stream
const maxPendingWrites = 10

// RemoteSyncer is the sync engine surface the remote store drives.
// Every method is invoked on the async queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(event *RemoteEvent) error
	RejectListen(targetID query.TargetID, rpcErr *RPCError) error
	ApplySuccessfulWrite(result *model.MutationBatchResult) error
	RejectFailedWrite(batchID model.BatchID, rpcErr *RPCError) error
	RemoteKeysForTarget(targetID query.TargetID) model.DocumentKeySet
	HandleOnlineStateChange(state OnlineState)
}

// MutationSource feeds the write pipeline from persistence.
type MutationSource interface {
	NextMutationBatch(after model.BatchID) (*model.MutationBatch, error)
	GetLastStreamToken() ([]byte, error)
	SetLastStreamToken(token []byte) error
}

// RemoteStore owns everything network: the listen stream with its watch
// change aggregation and the write stream with its bounded pipeline of
// unacknowledged batches. It is a pure conduit — all durable state
// lives behind the syncer and the mutation source.
type RemoteStore struct {
	log    utils.Logger
	queue  *utils.AsyncQueue
	syncer RemoteSyncer
	source MutationSource

	listenStream *ListenStream
	writeStream  *WriteStream
	tracker      *OnlineStateTracker

	networkEnabled bool
	listenTargets  map[query.TargetID]*query.TargetData
	aggregator     *WatchChangeAggregator
	writePipeline  []*model.MutationBatch
}

func NewRemoteStore(
	log utils.Logger,
	queue *utils.AsyncQueue,
	datastore Datastore,
	creds CredentialsProvider,
	syncer RemoteSyncer,
	source MutationSource,
) *RemoteStore {
	r := &RemoteStore{
		log:           log,
		queue:         queue,
		syncer:        syncer,
		source:        source,
		listenTargets: make(map[query.TargetID]*query.TargetData),
	}
	r.listenStream = NewListenStream(log, queue, creds, datastore, r)
	r.writeStream = NewWriteStream(log, queue, creds, datastore, r)
	r.tracker = NewOnlineStateTracker(log, queue, syncer.HandleOnlineStateChange)
	return r
}

// TargetMetadataProvider for the aggregator.

func (r *RemoteStore) RemoteKeysForTarget(id query.TargetID) model.DocumentKeySet {
	return r.syncer.RemoteKeysForTarget(id)
}

func (r *RemoteStore) TargetDataForTarget(id query.TargetID) *query.TargetData {
	return r.listenTargets[id]
}

// EnableNetwork lets the streams connect. Idempotent.
func (r *RemoteStore) EnableNetwork() {
	if r.networkEnabled {
		return
	}
	r.networkEnabled = true
	r.listenStream.InhibitBackoff()
	r.writeStream.InhibitBackoff()
	if len(r.listenTargets) > 0 {
		r.startListenStream()
	} else {
		r.tracker.Set(OnlineStateUnknown)
	}
	r.FillWritePipeline()
}

// DisableNetwork stops both streams. Queued work survives: listen
// targets re-register and the pipeline refills on re-enable.
func (r *RemoteStore) DisableNetwork() {
	if !r.networkEnabled {
		return
	}
	r.networkEnabled = false
	r.listenStream.Stop()
	r.writeStream.Stop()
	r.cleanUpWatchState()
	r.writePipeline = nil
	r.tracker.Set(OnlineStateOffline)
}

// Shutdown permanently tears the remote store down.
func (r *RemoteStore) Shutdown() {
	r.networkEnabled = false
	r.listenStream.Shutdown()
	r.writeStream.Shutdown()
	r.cleanUpWatchState()
	r.writePipeline = nil
	r.tracker.Set(OnlineStateUnknown)
}

// Listen registers a target with the backend. The server streams the
// matching documents and marks the target current once caught up.
func (r *RemoteStore) Listen(td *query.TargetData) {
	if _, ok := r.listenTargets[td.TargetID]; ok {
		return
	}
	r.listenTargets[td.TargetID] = td
	if r.shouldStartListenStream() {
		r.startListenStream()
	} else if r.listenStream.IsOpen() {
		r.sendWatchRequest(td)
	}
}

// Unlisten removes a target. The stream idles out once no targets
// remain.
func (r *RemoteStore) Unlisten(id query.TargetID) {
	if _, ok := r.listenTargets[id]; !ok {
		return
	}
	delete(r.listenTargets, id)
	if r.listenStream.IsOpen() {
		r.sendUnwatchRequest(id)
	}
	if len(r.listenTargets) == 0 {
		if r.listenStream.IsOpen() {
			r.listenStream.MarkIdle()
		} else if r.networkEnabled {
			// nothing to watch; stop a stream stuck reconnecting
			r.listenStream.Stop()
			r.tracker.Set(OnlineStateUnknown)
		}
	}
}

func (r *RemoteStore) IsListeningTo(id query.TargetID) bool {
	_, ok := r.listenTargets[id]
	return ok
}

func (r *RemoteStore) shouldStartListenStream() bool {
	return r.networkEnabled && !r.listenStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startListenStream() {
	r.aggregator = NewWatchChangeAggregator(r, r.log)
	r.tracker.HandleWatchStreamStart()
	r.listenStream.Start()
}

func (r *RemoteStore) sendWatchRequest(td *query.TargetData) {
	r.aggregator.RecordPendingTargetRequest(td.TargetID)
	r.listenStream.WatchTarget(td)
}

func (r *RemoteStore) sendUnwatchRequest(id query.TargetID) {
	r.listenStream.UnwatchTarget(id)
	r.aggregator.RemoveTarget(id)
}

func (r *RemoteStore) cleanUpWatchState() {
	r.aggregator = nil
}

// ListenStreamCallback.

func (r *RemoteStore) OnWatchStreamOpen() {
	for _, td := range r.listenTargets {
		r.sendWatchRequest(td)
	}
}

func (r *RemoteStore) OnWatchChange(change WatchChange) error {
	// any server frame proves the connection works
	r.tracker.Set(OnlineStateOnline)

	switch c := change.(type) {
	case *DocumentWatchChange:
		r.aggregator.HandleDocumentChange(c)
	case *WatchTargetChange:
		if c.State == WatchTargetRemoved && c.Cause != nil {
			return r.handleTargetError(c)
		}
		r.aggregator.HandleTargetChange(c)
		if c.State == WatchTargetNoChange && len(c.TargetIDs) == 0 && !c.ReadTime.IsZero() {
			return r.raiseWatchSnapshot(c.ReadTime)
		}
	case *ExistenceFilterWatchChange:
		r.aggregator.HandleExistenceFilter(c)
	}
	return nil
}

func (r *RemoteStore) OnWatchStreamClose(err error) {
	if !r.networkEnabled {
		return
	}
	r.cleanUpWatchState()
	var rpcErr *RPCError
	if err != nil && errors.As(err, &rpcErr) {
		r.tracker.HandleWatchStreamFailure(rpcErr)
	}
	if r.shouldStartListenStream() {
		r.startListenStream()
	} else if len(r.listenTargets) > 0 && r.listenStream.State() == StreamStateBackoff {
		// restart in flight; arm the aggregator for it
		r.aggregator = NewWatchChangeAggregator(r, r.log)
		r.tracker.HandleWatchStreamStart()
	}
}

// handleTargetError fans a target-scoped failure out to the affected
// listens; the stream itself stays healthy.
func (r *RemoteStore) handleTargetError(tc *WatchTargetChange) error {
	rpcErr, ok := tc.Cause.(*RPCError)
	if !ok {
		rpcErr = &RPCError{Code: CodeUnknown, Message: tc.Cause.Error()}
	}
	for _, id := range tc.TargetIDs {
		if _, active := r.listenTargets[id]; !active {
			continue
		}
		delete(r.listenTargets, id)
		r.aggregator.RemoveTarget(id)
		if err := r.syncer.RejectListen(id, rpcErr); err != nil {
			return err
		}
	}
	return nil
}

// raiseWatchSnapshot closes one consistent snapshot: mismatched targets
// are re-listened from scratch, then the aggregated event is applied.
func (r *RemoteStore) raiseWatchSnapshot(version model.SnapshotVersion) error {
	event := r.aggregator.CreateRemoteEvent(version)

	for id, purpose := range event.TargetMismatches {
		td, ok := r.listenTargets[id]
		if !ok {
			continue
		}
		// forget the resume token: the cache can no longer vouch for it
		r.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		r.sendUnwatchRequest(id)
		fresh := query.NewTargetData(td.Target, id, purpose, td.SequenceNumber)
		r.sendWatchRequest(fresh)
	}

	return r.syncer.ApplyRemoteEvent(event)
}

// Write pipeline.

// FillWritePipeline tops the in-flight window up from the queue and
// starts the write stream when there is work.
func (r *RemoteStore) FillWritePipeline() {
	last := model.BatchID(-1)
	if n := len(r.writePipeline); n > 0 {
		last = r.writePipeline[n-1].BatchID
	}
	for r.canAddToWritePipeline() {
		batch, err := r.source.NextMutationBatch(last)
		if err != nil {
			r.log.Error("remote store: reading mutation queue failed", "err", err)
			break
		}
		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}
			break
		}
		r.addToWritePipeline(batch)
		last = batch.BatchID
	}
	if r.shouldStartWriteStream() {
		r.startWriteStream()
	}
}

// CanUseNetwork reports whether user-visible operations may assume
// connectivity.
func (r *RemoteStore) CanUseNetwork() bool { return r.networkEnabled }

func (r *RemoteStore) canAddToWritePipeline() bool {
	return r.networkEnabled && len(r.writePipeline) < maxPendingWrites
}

func (r *RemoteStore) addToWritePipeline(batch *model.MutationBatch) {
	r.writePipeline = append(r.writePipeline, batch)
	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		r.writeStream.WriteMutations(batch)
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.networkEnabled && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

func (r *RemoteStore) startWriteStream() {
	token, err := r.source.GetLastStreamToken()
	if err != nil {
		r.log.Error("remote store: reading stream token failed", "err", err)
	}
	r.writeStream.SetLastStreamToken(token)
	r.writeStream.Start()
}

// WriteStreamCallback.

func (r *RemoteStore) OnWriteStreamOpen() {
	r.writeStream.WriteHandshake()
}

func (r *RemoteStore) OnWriteHandshakeComplete() {
	if err := r.source.SetLastStreamToken(r.writeStream.LastStreamToken()); err != nil {
		r.log.Error("remote store: persisting stream token failed", "err", err)
	}
	for _, batch := range r.writePipeline {
		r.writeStream.WriteMutations(batch)
	}
}

func (r *RemoteStore) OnWriteResponse(ack *WriteAck) error {
	if len(r.writePipeline) == 0 {
		r.log.Warn("remote store: write ack with empty pipeline", "batchId", ack.BatchID)
		return nil
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	if batch.BatchID != ack.BatchID {
		r.log.Warn("remote store: write ack out of order",
			"expected", batch.BatchID, "got", ack.BatchID)
	}
	if err := r.source.SetLastStreamToken(ack.StreamToken); err != nil {
		r.log.Error("remote store: persisting stream token failed", "err", err)
	}

	result := model.NewMutationBatchResult(batch, ack.CommitVersion, ack.Results)
	if err := r.syncer.ApplySuccessfulWrite(result); err != nil {
		return err
	}
	r.FillWritePipeline()
	return nil
}

func (r *RemoteStore) OnWriteStreamClose(err error) {
	if !r.networkEnabled {
		return
	}
	if err == nil || len(r.writePipeline) == 0 {
		return
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return
	}
	if !r.writeStream.HandshakeComplete() {
		r.handleHandshakeError(rpcErr)
		return
	}
	r.handleWriteError(rpcErr)
}

// handleHandshakeError resets the resume token on permanent handshake
// failures; Aborted means exactly "token expired", so only the token is
// at fault, not the writes.
func (r *RemoteStore) handleHandshakeError(rpcErr *RPCError) {
	if IsPermanentError(rpcErr.Code) || rpcErr.Code == CodeAborted {
		r.writeStream.SetLastStreamToken(nil)
		if err := r.source.SetLastStreamToken(nil); err != nil {
			r.log.Error("remote store: clearing stream token failed", "err", err)
		}
	}
}

// handleWriteError rejects the head batch when the backend says the
// failure is the batch's own fault; transient errors just retry.
func (r *RemoteStore) handleWriteError(rpcErr *RPCError) {
	if !IsPermanentWriteError(rpcErr.Code) {
		return
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	if err := r.syncer.RejectFailedWrite(batch.BatchID, rpcErr); err != nil {
		r.log.Error("remote store: rejecting failed write", "batchId", batch.BatchID, "err", err)
		return
	}
	r.FillWritePipeline()
}
