package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/protocol"
	"github.com/driftdb/driftdb/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrDatastoreClosed = errors.New("driftdb: datastore is closed")

// CredentialsProvider supplies auth tokens for backend streams.
type CredentialsProvider interface {
	GetToken(ctx context.Context) (string, error)
	// InvalidateToken drops any cached token after the backend rejected
	// it; the next GetToken must mint a fresh one.
	InvalidateToken()
}

// EmptyCredentialsProvider sends empty tokens, for emulators and tests.
type EmptyCredentialsProvider struct{}

func (EmptyCredentialsProvider) GetToken(context.Context) (string, error) { return "", nil }
func (EmptyCredentialsProvider) InvalidateToken()                         {}

// StreamConn is one bidirectional record stream to the backend. Send
// enqueues a frame for transmission; Recv blocks for the next inbound
// frame.
type StreamConn interface {
	Send(ctx context.Context, rec []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Datastore opens the two long-lived backend streams: the listen stream
// carrying watch changes and the write stream carrying mutation acks.
type Datastore interface {
	OpenListenStream(ctx context.Context) (StreamConn, error)
	OpenWriteStream(ctx context.Context) (StreamConn, error)
	Close() error
}

// per-direction byte cap, keeps a stalled stream from pinning memory
const streamQueueLimit = 4 << 20

// NetDatastore talks TLV records to a backend address over TCP or TLS.
// Each opened stream gets its own connection; the transport redials on
// its own while the stream conn stays installed.
type NetDatastore struct {
	log  utils.Logger
	addr string
	net  *protocol.Net

	closed bool
	conns  *xsync.MapOf[string, *netStreamConn]
}

func NewNetDatastore(log utils.Logger, addr string, tlsConfig *tls.Config) *NetDatastore {
	d := &NetDatastore{
		log:   log,
		addr:  addr,
		conns: xsync.NewMapOf[string, *netStreamConn](),
	}
	d.net = protocol.NewNet(log, tlsConfig, d.install, d.destroy)
	return d
}

func (d *NetDatastore) OpenListenStream(ctx context.Context) (StreamConn, error) {
	return d.open(ctx, "listen")
}

func (d *NetDatastore) OpenWriteStream(ctx context.Context) (StreamConn, error) {
	return d.open(ctx, "write")
}

func (d *NetDatastore) open(ctx context.Context, kind string) (StreamConn, error) {
	if d.closed {
		return nil, ErrDatastoreClosed
	}
	name := fmt.Sprintf("%s:%s", kind, uuid.Must(uuid.NewV7()).String())
	dialCtx, cancel := context.WithCancel(context.Background())
	c := &netStreamConn{
		name:   name,
		ds:     d,
		cancel: cancel,
		in:     protocol.NewRecordQueue(streamQueueLimit),
		out:    protocol.NewRecordQueue(streamQueueLimit),
	}
	d.conns.Store(name, c)
	if err := d.net.ConnectPool(dialCtx, name, []string{d.addr}); err != nil {
		d.conns.Delete(name)
		cancel()
		return nil, err
	}
	return c, nil
}

func (d *NetDatastore) Close() error {
	d.closed = true
	d.conns.Range(func(_ string, c *netStreamConn) bool {
		_ = c.Close()
		return true
	})
	return d.net.Close()
}

func (d *NetDatastore) install(name string) protocol.FeedDrainCloserTraced {
	if c, ok := d.conns.Load(name); ok {
		return &netPipe{conn: c}
	}
	return &deadPipe{name: name}
}

func (d *NetDatastore) destroy(name string, _ protocol.Traced) {
	d.log.Debug("datastore: transport connection lost", "name", name)
}

// netStreamConn bridges the record queues to the StreamConn contract.
// The in queue is filled by the transport read pump, the out queue is
// drained by the write pump.
type netStreamConn struct {
	name   string
	ds     *NetDatastore
	cancel context.CancelFunc
	in     *protocol.RecordQueue
	out    *protocol.RecordQueue

	pending protocol.Records
}

func (c *netStreamConn) Send(ctx context.Context, rec []byte) error {
	return c.out.Drain(ctx, protocol.Records{rec})
}

func (c *netStreamConn) Recv(ctx context.Context) ([]byte, error) {
	for len(c.pending) == 0 {
		recs, err := c.in.Feed(ctx)
		if err != nil {
			return nil, err
		}
		c.pending = recs
	}
	rec := c.pending[0]
	c.pending = c.pending[1:]
	return rec, nil
}

func (c *netStreamConn) Close() error {
	c.cancel()
	c.ds.conns.Delete(c.name)
	_ = c.in.Close()
	_ = c.out.Close()
	_ = c.ds.net.Disconnect(c.name)
	return nil
}

// netPipe is the transport-facing side of a netStreamConn. Its Close is
// a no-op so a transport redial does not tear down the stream.
type netPipe struct {
	conn *netStreamConn
}

func (p *netPipe) Feed(ctx context.Context) (protocol.Records, error) {
	return p.conn.out.Feed(ctx)
}

func (p *netPipe) Drain(ctx context.Context, recs protocol.Records) error {
	return p.conn.in.Drain(ctx, recs)
}

func (p *netPipe) Close() error       { return nil }
func (p *netPipe) GetTraceId() string { return p.conn.name }

// deadPipe is installed for connections whose stream is already gone,
// so the transport gives up instead of pumping into the void.
type deadPipe struct {
	name string
}

func (p *deadPipe) Feed(context.Context) (protocol.Records, error) {
	return nil, protocol.ErrQueueClosed
}

func (p *deadPipe) Drain(context.Context, protocol.Records) error {
	return protocol.ErrQueueClosed
}

func (p *deadPipe) Close() error       { return nil }
func (p *deadPipe) GetTraceId() string { return p.name }
