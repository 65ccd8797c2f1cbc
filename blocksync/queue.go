package blocksync

import (
	"context"
	"sync"

	"github.com/lightninglabs/qtumsync/qwire"
)

// blockQueue holds the blocks waiting to be applied. Blocks are handed out
// in arrival order and at most one is in flight at any time.
type blockQueue struct {
	mtx sync.Mutex

	items    []*qwire.MsgBlock
	inFlight bool

	// err is set once processing aborted. The queue accepts no more
	// blocks afterwards.
	err error

	// notify is signaled when a block is pushed.
	notify chan struct{}

	// drained is closed while the queue is empty and nothing is in
	// flight. A new channel is made as soon as work arrives.
	drained chan struct{}
}

func newBlockQueue() *blockQueue {
	drained := make(chan struct{})
	close(drained)

	return &blockQueue{
		notify:  make(chan struct{}, 1),
		drained: drained,
	}
}

// idle must be called with the mutex held.
func (q *blockQueue) idle() bool {
	select {
	case <-q.drained:
		return true
	default:
		return false
	}
}

// Push appends a block to the queue.
func (q *blockQueue) Push(block *qwire.MsgBlock) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.err != nil {
		return
	}

	if q.idle() {
		q.drained = make(chan struct{})
	}
	q.items = append(q.items, block)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop waits for the oldest queued block and marks it in flight. It returns
// false once quit is closed or the queue was aborted.
func (q *blockQueue) Pop(quit <-chan struct{}) (*qwire.MsgBlock, bool) {
	for {
		q.mtx.Lock()
		if q.err != nil {
			q.mtx.Unlock()
			return nil, false
		}
		if len(q.items) > 0 && !q.inFlight {
			block := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.inFlight = true
			q.mtx.Unlock()

			return block, true
		}
		q.mtx.Unlock()

		select {
		case <-q.notify:
		case <-quit:
			return nil, false
		}
	}
}

// Done marks the in-flight block as finished and resolves the drain future
// if nothing is left.
func (q *blockQueue) Done() {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.inFlight = false
	if len(q.items) == 0 && !q.idle() {
		close(q.drained)
		return
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Abort drops every queued block and fails all current and future drain
// waits with err.
func (q *blockQueue) Abort(err error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.err = err
	q.items = nil
	q.inFlight = false
	if !q.idle() {
		close(q.drained)
	}
}

// Len returns the number of queued blocks, including one in flight.
func (q *blockQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.inFlight {
		return len(q.items) + 1
	}

	return len(q.items)
}

// WaitDrained blocks until the queue is empty and no block is in flight.
func (q *blockQueue) WaitDrained(ctx context.Context) error {
	q.mtx.Lock()
	drained := q.drained
	q.mtx.Unlock()

	select {
	case <-drained:
		q.mtx.Lock()
		defer q.mtx.Unlock()

		return q.err

	case <-ctx.Done():
		return ctx.Err()
	}
}
