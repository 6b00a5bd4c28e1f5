package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/driftdb/driftdb/utils"
)

// StreamState is where a persistent stream is in its lifecycle. All
// transitions happen on the async queue.
type StreamState int

const (
	// StreamStateInitial: not running, Start may be called.
	StreamStateInitial StreamState = iota
	// StreamStateStarting: credentials and transport are being set up.
	StreamStateStarting
	// StreamStateOpen: connected, frames flow both ways.
	StreamStateOpen
	// StreamStateBackoff: the last attempt failed, a delayed restart is
	// scheduled.
	StreamStateBackoff
	// StreamStateClosed: shut down for good.
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateInitial:
		return "initial"
	case StreamStateStarting:
		return "starting"
	case StreamStateOpen:
		return "open"
	case StreamStateBackoff:
		return "backoff"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const streamIdleTimeout = time.Minute

// streamDelegate receives stream lifecycle events on the async queue.
// A non-nil error from onMessage tears the stream down.
type streamDelegate interface {
	onOpen()
	onMessage(rec []byte) error
	onClose(err error)
}

// persistentStream keeps one backend stream alive across failures:
// exponential backoff between attempts, an idle timeout when unused,
// and credential invalidation when the backend says so. Every event
// carries the epoch it belongs to; events from a torn-down connection
// are dropped.
type persistentStream struct {
	log   utils.Logger
	queue *utils.AsyncQueue
	creds CredentialsProvider

	open      func(ctx context.Context) (StreamConn, error)
	delegate  streamDelegate
	idleID    utils.TimerID
	backoffID utils.TimerID

	state       StreamState
	conn        StreamConn
	epoch       int64
	cancel      context.CancelFunc
	retry       *backoff.ExponentialBackOff
	idleTask    *utils.DelayedTask
	backoffTask *utils.DelayedTask
}

func newPersistentStream(
	log utils.Logger,
	queue *utils.AsyncQueue,
	creds CredentialsProvider,
	open func(ctx context.Context) (StreamConn, error),
	idleID, backoffID utils.TimerID,
	delegate streamDelegate,
) *persistentStream {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.RandomizationFactor = 0.5
	retry.Multiplier = 1.5
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &persistentStream{
		log:       log,
		queue:     queue,
		creds:     creds,
		open:      open,
		delegate:  delegate,
		idleID:    idleID,
		backoffID: backoffID,
		retry:     retry,
	}
}

func (s *persistentStream) State() StreamState { return s.state }

func (s *persistentStream) IsOpen() bool { return s.state == StreamStateOpen }

func (s *persistentStream) IsStarted() bool {
	return s.state == StreamStateStarting || s.state == StreamStateOpen || s.state == StreamStateBackoff
}

// Start begins connecting. No-op unless the stream is idle in Initial.
func (s *persistentStream) Start() {
	if s.IsStarted() || s.state == StreamStateClosed {
		return
	}
	s.state = StreamStateStarting
	s.epoch++
	epoch := s.epoch
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.dial(ctx, epoch)
}

// Stop tears the stream down and returns it to Initial. The delegate is
// notified only if the stream was actually up.
func (s *persistentStream) Stop() {
	if !s.IsStarted() {
		return
	}
	s.close(StreamStateInitial, nil)
}

// Shutdown makes the stream unusable; Start becomes a no-op.
func (s *persistentStream) Shutdown() {
	s.close(StreamStateClosed, nil)
}

// InhibitBackoff makes the next restart immediate. Used when there is
// reason to believe the underlying condition cleared, e.g. the user
// re-enabled the network.
func (s *persistentStream) InhibitBackoff() {
	s.retry.Reset()
	if s.state == StreamStateBackoff && s.backoffTask != nil {
		s.backoffTask.SkipDelay()
	}
}

// MarkIdle schedules a stop if nothing uses the stream for a while.
// Any send or receive cancels it.
func (s *persistentStream) MarkIdle() {
	if s.state == StreamStateOpen && s.idleTask == nil {
		s.idleTask = s.queue.EnqueueAfter(streamIdleTimeout, s.idleID, func() {
			s.idleTask = nil
			if s.state == StreamStateOpen {
				s.close(StreamStateInitial, nil)
			}
		})
	}
}

func (s *persistentStream) cancelIdle() {
	if s.idleTask != nil {
		s.idleTask.Cancel()
		s.idleTask = nil
	}
}

func (s *persistentStream) send(rec []byte) {
	if s.state != StreamStateOpen {
		s.log.Warn("stream: dropping send, stream not open", "state", s.state.String())
		return
	}
	s.cancelIdle()
	if err := s.conn.Send(context.Background(), rec); err != nil {
		s.handleFailure(s.epoch, &RPCError{Code: CodeUnavailable, Message: err.Error()})
	}
}

// dial runs off-queue: token fetch and transport setup may block.
func (s *persistentStream) dial(ctx context.Context, epoch int64) {
	token, err := s.creds.GetToken(ctx)
	if err != nil {
		s.enqueueFailure(epoch, &RPCError{Code: CodeUnauthenticated, Message: err.Error()})
		return
	}
	conn, err := s.open(ctx)
	if err != nil {
		s.enqueueFailure(epoch, &RPCError{Code: CodeUnavailable, Message: err.Error()})
		return
	}
	if err := conn.Send(ctx, EncodeAuth(token)); err != nil {
		_ = conn.Close()
		s.enqueueFailure(epoch, &RPCError{Code: CodeUnavailable, Message: err.Error()})
		return
	}
	_ = s.queue.Enqueue(func() { s.handleOpen(ctx, epoch, conn) })
}

func (s *persistentStream) handleOpen(ctx context.Context, epoch int64, conn StreamConn) {
	if epoch != s.epoch || s.state != StreamStateStarting {
		// torn down while dialing
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StreamStateOpen
	s.retry.Reset()
	go s.pump(ctx, epoch, conn)
	s.delegate.onOpen()
}

// pump runs off-queue, moving inbound frames onto the queue one task
// per frame so watch processing interleaves with user calls.
func (s *persistentStream) pump(ctx context.Context, epoch int64, conn StreamConn) {
	for {
		rec, err := conn.Recv(ctx)
		if err != nil {
			s.enqueueFailure(epoch, &RPCError{Code: CodeUnavailable, Message: err.Error()})
			return
		}
		_ = s.queue.Enqueue(func() {
			if epoch != s.epoch || s.state != StreamStateOpen {
				return
			}
			s.cancelIdle()
			if err := s.delegate.onMessage(rec); err != nil {
				s.handleFailure(epoch, err)
			}
		})
	}
}

func (s *persistentStream) enqueueFailure(epoch int64, err error) {
	_ = s.queue.Enqueue(func() { s.handleFailure(epoch, err) })
}

func (s *persistentStream) handleFailure(epoch int64, err error) {
	if epoch != s.epoch || !s.IsStarted() {
		return
	}
	s.log.Debug("stream: attempt failed", "err", err, "state", s.state.String())
	s.close(StreamStateBackoff, err)
	s.performBackoff()
}

// close is the single exit path for every teardown. It bumps the epoch
// so in-flight goroutine events become stale, releases the transport,
// and notifies the delegate if the stream was actually running.
func (s *persistentStream) close(finalState StreamState, err error) {
	wasActive := s.state == StreamStateStarting || s.state == StreamStateOpen

	s.cancelIdle()
	if s.backoffTask != nil {
		s.backoffTask.Cancel()
		s.backoffTask = nil
	}
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if finalState != StreamStateBackoff {
		s.retry.Reset()
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeUnauthenticated {
		// the token is no good; restart with a fresh one
		s.creds.InvalidateToken()
	}

	s.state = finalState
	if wasActive {
		s.delegate.onClose(err)
	}
}

func (s *persistentStream) performBackoff() {
	delay := s.retry.NextBackOff()
	s.log.Debug("stream: backing off", "delay", delay)
	s.backoffTask = s.queue.EnqueueAfter(delay, s.backoffID, func() {
		s.backoffTask = nil
		if s.state != StreamStateBackoff {
			return
		}
		s.state = StreamStateInitial
		s.Start()
	})
}
