package daemon

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

// pendingQueue is an insertion-ordered set of item ids awaiting a sync.
// Re-adding a pending id moves it to the back. A walk request supersedes
// everything queued before it, since the walk visits every item anyway.
type pendingQueue struct {
	log zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	ids    *simplelru.LRU[string, struct{}]
	walk   bool
	closed bool
}

func newPendingQueue(capacity int, log zerolog.Logger) (*pendingQueue, error) {
	ids, err := simplelru.NewLRU[string, struct{}](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending queue: %w", err)
	}
	q := &pendingQueue{log: log, ids: ids}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Push queues id, or moves it to the back if already queued. When the
// queue is full the oldest id is dropped and a walk is requested to cover it.
func (q *pendingQueue) Push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if q.ids.Add(id, struct{}{}) {
		q.log.Warn().Int("capacity", q.ids.Len()).Msg("pending queue overflow, scheduling walk")
		q.walk = true
	}
	q.cond.Signal()
}

// RequestWalk queues a full walk and drops the ids it covers.
func (q *pendingQueue) RequestWalk() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.ids.Purge()
	q.walk = true
	q.cond.Signal()
}

// Pop blocks until work is available. It returns walk=true for a walk
// request, otherwise the oldest id. ok is false once the queue is closed.
func (q *pendingQueue) Pop() (id string, walk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && !q.walk && q.ids.Len() == 0 {
		q.cond.Wait()
	}
	if q.closed {
		return "", false, false
	}
	if q.walk {
		q.walk = false
		return "", true, true
	}
	id, _, _ = q.ids.RemoveOldest()
	return id, false, true
}

// Len returns the number of queued ids, not counting a walk request.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ids.Len()
}

// Close wakes every Pop. Queued work is discarded.
func (q *pendingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
