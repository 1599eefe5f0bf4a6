package cachesync

import (
	"sync"

	"github.com/roach88/loom/internal/graph"
)

// syncQueue is a thread-safe FIFO of change records keyed by entity.
//
// At most one record per entity is queued at a time: a newer record for an
// already-queued entity replaces it in place (keeping its queue position),
// and a record no newer than what is queued or currently being written is
// dropped. This is what makes cache writes per-entity ordered without any
// global locking - a later change can never be overtaken by an earlier one.
//
// The queue is unbounded so the mutation path never blocks on the cache.
// A buffered signal channel (size 1, coalescing) enables context-aware
// waiting in the worker loop.
type syncQueue struct {
	mu       sync.Mutex
	order    []graph.EntityID
	pending  map[graph.EntityID]graph.ChangeRecord
	inflight map[graph.EntityID]int64
	closed   bool
	signal   chan struct{}
}

func newSyncQueue() *syncQueue {
	return &syncQueue{
		order:    make([]graph.EntityID, 0, 64),
		pending:  make(map[graph.EntityID]graph.ChangeRecord),
		inflight: make(map[graph.EntityID]int64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds rec unless an equal-or-newer record for the same entity is
// already queued or in flight. Returns false if the queue is closed.
// Thread-safe: may be called from any goroutine.
func (q *syncQueue) Enqueue(rec graph.ChangeRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := rec.EntityID
	if v, ok := q.inflight[key]; ok && rec.NewVersion <= v {
		return true
	}
	if queued, ok := q.pending[key]; ok {
		if rec.NewVersion > queued.NewVersion {
			q.pending[key] = rec
		}
		return true
	}

	q.pending[key] = rec
	q.order = append(q.order, key)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front record without blocking,
// marking its entity in flight until Done is called.
func (q *syncQueue) TryDequeue() (graph.ChangeRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return graph.ChangeRecord{}, false
	}

	key := q.order[0]
	// Zero the slot so the backing array does not retain the key's strings.
	q.order[0] = graph.EntityID{}
	if len(q.order) == 1 {
		q.order = q.order[:0]
	} else {
		q.order = q.order[1:]
	}

	rec := q.pending[key]
	delete(q.pending, key)
	q.inflight[key] = rec.NewVersion
	return rec, true
}

// Done marks the entity's in-flight write finished, allowing newer records
// for it to be accepted again.
func (q *syncQueue) Done(id graph.EntityID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// Wait returns a channel that signals when records may be available. Use
// with select alongside ctx.Done() in the worker loop.
func (q *syncQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued (not in-flight) records.
func (q *syncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Closed reports whether Close has been called.
func (q *syncQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further enqueues and wakes any blocked waiters. Already
// queued records remain dequeueable so the worker can drain.
func (q *syncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
