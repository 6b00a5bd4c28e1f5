// Package driftdb is an offline-first document database client. Writes
// land in a durable local cache immediately and sync to the backend
// when it is reachable; queries are served from the cache and kept live
// by server watch streams. Multiple clients sharing one database elect
// a primary that owns all network traffic.
package driftdb

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftdb/driftdb/engine"
	"github.com/driftdb/driftdb/local"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/remote"
	"github.com/driftdb/driftdb/utils"
)

var ErrClientClosed = errors.New("driftdb: client is closed")

// clientErr hides the internal queue error behind the public sentinel.
func clientErr(err error) error {
	if errors.Is(err, utils.ErrQueueShutdown) {
		return ErrClientClosed
	}
	return err
}

const defaultGCInterval = time.Minute

type Options struct {
	// Dir is the on-disk database directory. Empty means an in-memory
	// database that is lost on Close.
	Dir string
	// Addr is the backend address. Ignored when Datastore is set.
	Addr      string
	TLSConfig *tls.Config
	// Datastore overrides the TCP/TLS transport, for tests and
	// emulators.
	Datastore remote.Datastore

	// UserID scopes the mutation queue and overlays. Empty means the
	// anonymous user.
	UserID      string
	Credentials remote.CredentialsProvider

	Logger utils.Logger
	Clock  model.Clock

	// SharedState coordinates clients of one database. The in-process
	// implementation is the default; replace it when clients live in
	// separate processes.
	SharedState engine.SharedClientState

	Lru        local.LruParams
	GCInterval time.Duration

	// Metrics, when set, receives the client counters and the storage
	// collector.
	Metrics prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Clock == nil {
		o.Clock = model.WallClock{}
	}
	if o.Credentials == nil {
		o.Credentials = remote.EmptyCredentialsProvider{}
	}
	if o.SharedState == nil {
		o.SharedState = engine.NewInProcessClientState()
	}
	if o.Lru == (local.LruParams{}) {
		o.Lru = local.DefaultLruParams()
	}
	if o.GCInterval == 0 {
		o.GCInterval = defaultGCInterval
	}
}

// syncerBridge and listenerBridge break the construction cycles: the
// remote store needs its syncer and the sync engine needs its listener
// before either target exists.
type syncerBridge struct {
	engine  *engine.SyncEngine
	metrics *clientMetrics
}

func (b *syncerBridge) ApplyRemoteEvent(event *remote.RemoteEvent) error {
	if b.metrics != nil {
		b.metrics.remoteEvents.Inc()
	}
	return b.engine.ApplyRemoteEvent(event)
}

func (b *syncerBridge) RejectListen(targetID query.TargetID, rpcErr *remote.RPCError) error {
	if b.metrics != nil {
		b.metrics.listenRejections.Inc()
	}
	return b.engine.RejectListen(targetID, rpcErr)
}

func (b *syncerBridge) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	if b.metrics != nil {
		b.metrics.writeAcks.Inc()
	}
	return b.engine.ApplySuccessfulWrite(result)
}

func (b *syncerBridge) RejectFailedWrite(batchID model.BatchID, rpcErr *remote.RPCError) error {
	if b.metrics != nil {
		b.metrics.writeRejections.Inc()
	}
	return b.engine.RejectFailedWrite(batchID, rpcErr)
}

func (b *syncerBridge) RemoteKeysForTarget(targetID query.TargetID) model.DocumentKeySet {
	return b.engine.RemoteKeysForTarget(targetID)
}

func (b *syncerBridge) HandleOnlineStateChange(state remote.OnlineState) {
	b.engine.HandleOnlineStateChange(state)
}

type listenerBridge struct {
	events  *engine.EventManager
	metrics *clientMetrics
}

func (b *listenerBridge) OnViewSnapshots(snaps []engine.ViewSnapshot) {
	if b.metrics != nil {
		b.metrics.snapshots.Add(float64(len(snaps)))
	}
	b.events.OnViewSnapshots(snaps)
}
func (b *listenerBridge) OnWatchError(q query.Query, err error)      { b.events.OnWatchError(q, err) }
func (b *listenerBridge) OnOnlineStateChange(state remote.OnlineState) {
	b.events.OnOnlineStateChange(state)
}

// Client wires the whole stack together and owns its lifecycle. All
// component interaction happens on the async queue; the exported
// methods are the only goroutine-safe surface.
type Client struct {
	opts Options
	log  utils.Logger

	queue       *utils.AsyncQueue
	persistence local.Persistence
	localStore  *local.LocalStore
	datastore   remote.Datastore
	remoteStore *remote.RemoteStore
	syncEngine  *engine.SyncEngine
	events      *engine.EventManager
	lease       *engine.PrimaryLeaseMonitor
	gc          *local.LruGarbageCollector

	gcTask *utils.DelayedTask
	closed bool
}

func NewClient(opts Options) (*Client, error) {
	opts.SetDefaults()
	log := opts.Logger

	var persistence local.Persistence
	if opts.Dir == "" {
		persistence = local.NewMemoryPersistence()
	} else {
		p, err := local.OpenPebble(opts.Dir, log)
		if err != nil {
			return nil, err
		}
		persistence = p
	}

	datastore := opts.Datastore
	if datastore == nil {
		datastore = remote.NewNetDatastore(log, opts.Addr, opts.TLSConfig)
	}

	c := &Client{
		opts:        opts,
		log:         log,
		queue:       utils.NewAsyncQueue(log),
		persistence: persistence,
		localStore:  local.NewLocalStore(persistence, opts.UserID, opts.Clock, log),
		datastore:   datastore,
	}

	var metrics *clientMetrics
	if opts.Metrics != nil {
		metrics = newClientMetrics()
		if err := metrics.register(opts.Metrics); err != nil {
			persistence.Close()
			return nil, err
		}
		if p, ok := persistence.(*local.PebblePersistence); ok {
			if err := opts.Metrics.Register(NewStorageCollector(p.DB())); err != nil {
				persistence.Close()
				return nil, err
			}
		}
	}

	syncer := &syncerBridge{metrics: metrics}
	listener := &listenerBridge{metrics: metrics}
	c.remoteStore = remote.NewRemoteStore(log, c.queue, datastore, opts.Credentials, syncer, c.localStore)
	// the client starts as a secondary; winning the lease promotes it
	c.syncEngine = engine.NewSyncEngine(log, c.localStore, c.remoteStore, listener, false)
	syncer.engine = c.syncEngine
	c.events = engine.NewEventManager(c.syncEngine)
	listener.events = c.events
	c.lease = engine.NewPrimaryLeaseMonitor(log, c.queue, persistence, opts.Clock, opts.SharedState, c.syncEngine.ApplyPrimaryState)
	c.gc = local.NewLruGarbageCollector(c.localStore, opts.Lru, log)

	err := c.queue.Enqueue(func() {
		if err := c.lease.Start(); err != nil {
			log.Error("lease monitor start failed", "err", err)
		}
		c.scheduleGC()
	})
	if err != nil {
		persistence.Close()
		return nil, err
	}
	return c, nil
}

// Owner is this client's lease identity.
func (c *Client) Owner() string { return c.lease.Owner() }

// IsPrimary reports whether this client currently owns the network.
func (c *Client) IsPrimary() (bool, error) {
	primary, err := utils.Await(c.queue, func() (bool, error) {
		return c.lease.IsPrimary(), nil
	})
	return primary, clientErr(err)
}

// ListenerRegistration undoes one Listen.
type ListenerRegistration struct {
	client   *Client
	listener *engine.QueryListener
}

func (r *ListenerRegistration) Stop() {
	_ = r.client.queue.Enqueue(func() {
		r.client.events.RemoveListener(r.listener)
	})
}

// Listen subscribes onNext to a query's snapshots. The initial snapshot
// is delivered from cache before Listen returns; onErr fires once if
// the server rejects the query, ending the subscription.
func (c *Client) Listen(q query.Query, opts engine.ListenOptions, onNext func(*engine.ViewSnapshot), onErr func(error)) (*ListenerRegistration, error) {
	l := &engine.QueryListener{Query: q, Options: opts, OnNext: onNext, OnError: onErr}
	_, err := utils.Await(c.queue, func() (struct{}, error) {
		return struct{}{}, c.events.AddListener(l)
	})
	if err != nil {
		return nil, clientErr(err)
	}
	return &ListenerRegistration{client: c, listener: l}, nil
}

// Write stages mutations locally and returns once they are visible to
// queries. The returned channel resolves when the backend acknowledges
// or rejects the batch.
func (c *Client) Write(mutations []model.Mutation) (<-chan error, error) {
	acked := make(chan error, 1)
	_, err := utils.Await(c.queue, func() (struct{}, error) {
		c.syncEngine.Write(mutations, func(err error) { acked <- err })
		return struct{}{}, nil
	})
	if err != nil {
		return nil, clientErr(err)
	}
	return acked, nil
}

// GetFromCache reads one document from the local cache with pending
// writes applied. No network round trip.
func (c *Client) GetFromCache(key model.DocumentKey) (*model.Document, error) {
	doc, err := utils.Await(c.queue, func() (*model.Document, error) {
		return c.localStore.ReadDocument(key)
	})
	return doc, clientErr(err)
}

// WaitForPendingWrites resolves once every write issued before the call
// has been acknowledged or rejected by the backend.
func (c *Client) WaitForPendingWrites() <-chan error {
	done := make(chan error, 1)
	err := c.queue.Enqueue(func() {
		c.syncEngine.WaitForPendingWrites(func(err error) { done <- err })
	})
	if err != nil {
		done <- clientErr(err)
	}
	return done
}

// EnableNetwork lets the client talk to the backend again after a
// DisableNetwork. A fresh client has the network enabled once it wins
// the primary lease.
func (c *Client) EnableNetwork() error {
	return clientErr(c.queue.Enqueue(c.remoteStore.EnableNetwork))
}

// DisableNetwork forces the client offline: streams close, listeners
// keep firing from cache.
func (c *Client) DisableNetwork() error {
	return clientErr(c.queue.Enqueue(c.remoteStore.DisableNetwork))
}

// HandleUserChange switches the active user. Queries re-evaluate
// against the new user's pending writes and affected listeners fire.
func (c *Client) HandleUserChange(uid string) error {
	_, err := utils.Await(c.queue, func() (struct{}, error) {
		return struct{}{}, c.syncEngine.HandleUserChange(uid)
	})
	return clientErr(err)
}

func (c *Client) scheduleGC() {
	if c.closed {
		return
	}
	c.gcTask = c.queue.EnqueueAfter(c.opts.GCInterval, utils.TimerGarbageCollection, func() {
		// only the primary may collect; PrimaryLeaseReadWrite enforces it
		if c.lease.IsPrimary() {
			if _, err := c.gc.Collect(c.syncEngine.ActiveTargets()); err != nil && !errors.Is(err, local.ErrPrimaryLeaseLost) {
				c.log.Error("garbage collection failed", "err", err)
			}
		}
		c.scheduleGC()
	})
}

// Close releases the primary lease, tears the network down and closes
// the database. Idempotent.
func (c *Client) Close() error {
	_, err := utils.Await(c.queue, func() (struct{}, error) {
		if c.closed {
			return struct{}{}, nil
		}
		c.closed = true
		if c.gcTask != nil {
			c.gcTask.Cancel()
			c.gcTask = nil
		}
		if err := c.lease.Stop(); err != nil {
			c.log.Warn("lease release failed", "err", err)
		}
		c.remoteStore.Shutdown()
		return struct{}{}, c.datastore.Close()
	})
	if err != nil && !errors.Is(err, utils.ErrQueueShutdown) {
		return err
	}
	if err := c.queue.Close(); err != nil {
		return err
	}
	return c.persistence.Close()
}
