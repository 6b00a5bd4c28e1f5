package protocol

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueClosed   = errors.New("record queue is closed")
	ErrQueueOverflow = errors.New("record queue is overflowed")
)

// RecordQueue buffers outbound frames between the producer (a stream
// state machine) and the connection write pump. Drain never blocks;
// Feed blocks until records arrive, the context ends or the queue
// closes. The byte limit guards against one slow receiver pinning
// unbounded memory.
type RecordQueue struct {
	limit int

	lock    sync.Mutex
	cond    sync.Cond
	pending Records
	size    int
	closed  bool
}

func NewRecordQueue(limit int) *RecordQueue {
	q := &RecordQueue{limit: limit}
	q.cond.L = &q.lock
	return q
}

func (q *RecordQueue) Drain(ctx context.Context, recs Records) error {
	if len(recs) == 0 {
		return nil
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	add := int(recs.TotalLen())
	if q.limit > 0 && q.size+add > q.limit {
		return ErrQueueOverflow
	}
	q.pending = append(q.pending, recs...)
	q.size += add
	q.cond.Broadcast()
	return nil
}

func (q *RecordQueue) Feed(ctx context.Context) (Records, error) {
	stop := context.AfterFunc(ctx, func() {
		q.lock.Lock()
		q.cond.Broadcast()
		q.lock.Unlock()
	})
	defer stop()

	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.pending) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if len(q.pending) > 0 {
		recs := q.pending
		q.pending = nil
		q.size = 0
		return recs, nil
	}
	if q.closed {
		return nil, ErrQueueClosed
	}
	return nil, ctx.Err()
}

func (q *RecordQueue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *RecordQueue) Close() error {
	q.lock.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lock.Unlock()
	return nil
}
