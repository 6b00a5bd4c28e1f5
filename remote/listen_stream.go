package remote

import (
	"github.com/driftdb/driftdb/query"
	"github.com/driftdb/driftdb/utils"
)

// ListenStreamCallback receives listen stream events on the async
// queue.
type ListenStreamCallback interface {
	OnWatchStreamOpen()
	OnWatchChange(change WatchChange) error
	OnWatchStreamClose(err error)
}

// ListenStream multiplexes every watch target over one backend stream.
type ListenStream struct {
	*persistentStream
	cb ListenStreamCallback
}

func NewListenStream(
	log utils.Logger,
	queue *utils.AsyncQueue,
	creds CredentialsProvider,
	datastore Datastore,
	cb ListenStreamCallback,
) *ListenStream {
	ls := &ListenStream{cb: cb}
	ls.persistentStream = newPersistentStream(
		log, queue, creds, datastore.OpenListenStream,
		utils.TimerListenStreamIdle, utils.TimerListenStreamBackoff, ls)
	return ls
}

// WatchTarget registers interest in a target. The server starts
// streaming its documents and will eventually mark it current.
func (ls *ListenStream) WatchTarget(td *query.TargetData) {
	ls.send(EncodeAddTarget(td))
}

func (ls *ListenStream) UnwatchTarget(id query.TargetID) {
	ls.send(EncodeRemoveTarget(id))
}

func (ls *ListenStream) onOpen() { ls.cb.OnWatchStreamOpen() }

func (ls *ListenStream) onMessage(rec []byte) error {
	frame, err := DecodeListenFrame(rec)
	if err != nil {
		return err
	}
	if frame.Err != nil {
		return frame.Err
	}
	return ls.cb.OnWatchChange(frame.Change)
}

func (ls *ListenStream) onClose(err error) { ls.cb.OnWatchStreamClose(err) }
