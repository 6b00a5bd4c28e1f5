package utils

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrQueueShutdown = errors.New("[driftdb] async queue is shut down")

// TimerID names a delayed task so that tests and owners can find and
// cancel it. At most one pending task per id is expected.
type TimerID string

const (
	TimerListenStreamIdle    TimerID = "listen_stream_idle"
	TimerListenStreamBackoff TimerID = "listen_stream_backoff"
	TimerWriteStreamIdle     TimerID = "write_stream_idle"
	TimerWriteStreamBackoff  TimerID = "write_stream_backoff"
	TimerOnlineStateTimeout  TimerID = "online_state_timeout"
	TimerPrimaryLeaseRefresh TimerID = "primary_lease_refresh"
	TimerGarbageCollection   TimerID = "garbage_collection"
)

// AsyncQueue is the ordered run-to-completion executor all shared state
// mutation goes through. Tasks run on one goroutine strictly in enqueue
// order; a later task never observes state older than an earlier one.
// Suspension happens only between tasks, so invariants need to hold only
// at task boundaries.
type AsyncQueue struct {
	log Logger

	lock    sync.Mutex
	cond    sync.Cond
	idle    sync.Cond
	tasks   []func()
	delayed []*DelayedTask
	busy    bool
	closed  bool
	done    chan struct{}
}

func NewAsyncQueue(log Logger) *AsyncQueue {
	q := &AsyncQueue{log: log, done: make(chan struct{})}
	q.cond.L = &q.lock
	q.idle.L = &q.lock
	go q.run()
	return q
}

func (q *AsyncQueue) run() {
	q.lock.Lock()
	for {
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			break
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.busy = true
		q.lock.Unlock()
		task()
		q.lock.Lock()
		q.busy = false
		if len(q.tasks) == 0 {
			q.idle.Broadcast()
		}
	}
	q.lock.Unlock()
	close(q.done)
}

// Enqueue schedules fn to run after all previously enqueued tasks.
// Safe to call from within a running task.
func (q *AsyncQueue) Enqueue(fn func()) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrQueueShutdown
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return nil
}

// EnqueueAfter schedules fn to be enqueued once delay elapses. The
// returned task is cancellable; cancelling after it fired is a no-op.
func (q *AsyncQueue) EnqueueAfter(delay time.Duration, id TimerID, fn func()) *DelayedTask {
	d := &DelayedTask{queue: q, id: id, fn: fn}
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		d.settled.Store(true)
		return d
	}
	q.delayed = append(q.delayed, d)
	q.lock.Unlock()
	d.timer = time.AfterFunc(delay, d.fire)
	return d
}

// Drain blocks until every task enqueued so far has completed. Delayed
// tasks that have not fired yet are not waited for.
func (q *AsyncQueue) Drain() {
	q.lock.Lock()
	for len(q.tasks) > 0 || q.busy {
		q.idle.Wait()
	}
	q.lock.Unlock()
}

// ForceRunDelayed fires a pending delayed task immediately, for tests
// and shutdown paths. Returns false if no task with that id is pending.
func (q *AsyncQueue) ForceRunDelayed(id TimerID) bool {
	q.lock.Lock()
	var found *DelayedTask
	for _, d := range q.delayed {
		if d.id == id {
			found = d
			break
		}
	}
	q.lock.Unlock()
	if found == nil {
		return false
	}
	found.SkipDelay()
	return true
}

// Close stops accepting tasks, cancels pending delayed tasks, runs the
// backlog to completion and stops the worker goroutine.
func (q *AsyncQueue) Close() error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return nil
	}
	q.closed = true
	delayed := q.delayed
	q.delayed = nil
	q.cond.Broadcast()
	q.lock.Unlock()

	for _, d := range delayed {
		d.Cancel()
	}
	<-q.done
	return nil
}

func (q *AsyncQueue) removeDelayed(task *DelayedTask) {
	q.lock.Lock()
	for i, d := range q.delayed {
		if d == task {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			break
		}
	}
	q.lock.Unlock()
}

// DelayedTask is a timer-scheduled queue task. Exactly one of fire or
// Cancel wins; the loser is a no-op.
type DelayedTask struct {
	queue   *AsyncQueue
	id      TimerID
	fn      func()
	timer   *time.Timer
	settled atomic.Bool
}

func (d *DelayedTask) fire() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	d.queue.removeDelayed(d)
	_ = d.queue.Enqueue(d.fn)
}

func (d *DelayedTask) Cancel() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue.removeDelayed(d)
}

// SkipDelay runs the task now instead of waiting out the timer.
func (d *DelayedTask) SkipDelay() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.queue.removeDelayed(d)
	_ = d.queue.Enqueue(d.fn)
}

// Await enqueues fn and blocks until it ran, returning its result. It is
// the bridge by which API goroutines read state owned by the queue.
func Await[T any](q *AsyncQueue, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	if err := q.Enqueue(func() {
		v, err := fn()
		ch <- result{v, err}
	}); err != nil {
		var zero T
		return zero, err
	}
	r := <-ch
	return r.v, r.err
}
