package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer pumps records between one net.Conn and its installed handler.
// The read loop splits inbound bytes into TLV records and hands them to
// a drainer goroutine, so a slow handler backpressures the socket
// without stalling the split. The write loop feeds outbound records
// into the socket with writev.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloserTraced
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) readLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan Records, 20000)
	drainErrs := make(chan error)
	defer close(inbound)
	defer close(drainErrs)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-inbound:
				if !ok {
					return
				}
				if err := p.inout.Drain(ctx, recs); err != nil {
					drainErrs <- err
					return
				}
			}
		}
	}()

	var buf bytes.Buffer
	for !p.closed.Load() {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}

		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if err != nil {
			if errors.Is(err, io.EOF) {
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
		buf.Write(idle[:n])

		recs, err := Split(&buf)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			// partial record, need more bytes
			time.Sleep(time.Millisecond)
			continue
		}
		select {
		case <-ctx.Done():
			break
		case err := <-drainErrs:
			return err
		case inbound <- recs:
		}
	}

	return nil
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for !p.closed.Load() {
		select {
		case <-ctx.Done():
			break
		default:
		}

		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}

		b := net.Buffers(recs)
		for len(b) > 0 {
			if _, err := b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// Keep runs both pumps until either fails or the peer is closed. The
// write loop's exit closes the socket, which in turn unblocks the read
// loop.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2)
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.readLoop(ctx) }()
	go func() { writeErrCh <- p.writeLoop(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// our own teardown closed the socket under the reader
				rerr = nil
			}
		case werr = <-writeErrCh:
			cerr = p.conn.Close()
		}

		p.closed.Store(true)
	}
	p.conn = nil
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.wg.Wait()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
