package remote

import (
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/utils"
)

// WriteStreamCallback receives write stream events on the async queue.
type WriteStreamCallback interface {
	OnWriteStreamOpen()
	OnWriteHandshakeComplete()
	OnWriteResponse(ack *WriteAck) error
	OnWriteStreamClose(err error)
}

// WriteStream sends mutation batches and receives their acks. After
// every (re)connect a handshake must complete before mutations may be
// written; the stream token from the last ack resumes the server-side
// write sequence across reconnects.
type WriteStream struct {
	*persistentStream
	cb WriteStreamCallback

	handshakeComplete bool
	lastStreamToken   []byte
}

func NewWriteStream(
	log utils.Logger,
	queue *utils.AsyncQueue,
	creds CredentialsProvider,
	datastore Datastore,
	cb WriteStreamCallback,
) *WriteStream {
	ws := &WriteStream{cb: cb}
	ws.persistentStream = newPersistentStream(
		log, queue, creds, datastore.OpenWriteStream,
		utils.TimerWriteStreamIdle, utils.TimerWriteStreamBackoff, ws)
	return ws
}

func (ws *WriteStream) HandshakeComplete() bool { return ws.handshakeComplete }

func (ws *WriteStream) LastStreamToken() []byte { return ws.lastStreamToken }

// SetLastStreamToken seeds the resume token, normally from persistence
// before the first connect.
func (ws *WriteStream) SetLastStreamToken(token []byte) {
	ws.lastStreamToken = token
}

// WriteHandshake opens the write session. Must be the first frame after
// connect.
func (ws *WriteStream) WriteHandshake() {
	if ws.handshakeComplete {
		ws.log.Warn("write stream: duplicate handshake dropped")
		return
	}
	ws.send(EncodeHandshake(ws.lastStreamToken))
}

// WriteMutations sends one batch. Only valid after the handshake.
func (ws *WriteStream) WriteMutations(batch *model.MutationBatch) {
	if !ws.handshakeComplete {
		ws.log.Warn("write stream: dropping batch, handshake incomplete", "batchId", batch.BatchID)
		return
	}
	ws.send(EncodeWriteRequest(ws.lastStreamToken, batch.BatchID, batch.Mutations))
}

func (ws *WriteStream) onOpen() {
	// each connection gets its own handshake
	ws.handshakeComplete = false
	ws.cb.OnWriteStreamOpen()
}

func (ws *WriteStream) onMessage(rec []byte) error {
	frame, err := DecodeWriteFrame(rec)
	if err != nil {
		return err
	}
	switch {
	case frame.HandshakeAck != nil:
		ws.lastStreamToken = frame.HandshakeAck.StreamToken
		ws.handshakeComplete = true
		ws.cb.OnWriteHandshakeComplete()
		return nil
	case frame.Ack != nil:
		ws.lastStreamToken = frame.Ack.StreamToken
		return ws.cb.OnWriteResponse(frame.Ack)
	default:
		return frame.Err
	}
}

// handshakeComplete deliberately survives into the close callback so
// the owner can tell a failed handshake from a failed write.
func (ws *WriteStream) onClose(err error) {
	ws.cb.OnWriteStreamClose(err)
}
