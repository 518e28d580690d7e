package task

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/koral-rdf/koral/internal/mapping"
)

// MappingQueue is the FIFO input queue of one child of a task. It is safe
// for concurrent use.
type MappingQueue struct {
	mu       sync.Mutex
	queue    *linkedlistqueue.Queue
	received uint64
	closed   bool
}

func NewMappingQueue() *MappingQueue {
	return &MappingQueue{queue: linkedlistqueue.New()}
}

// Enqueue appends ms. Mappings enqueued after Close are dropped.
func (q *MappingQueue) Enqueue(ms ...*mapping.Mapping) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	for _, m := range ms {
		q.queue.Enqueue(m)
	}
	q.received += uint64(len(ms))
}

// Dequeue removes the oldest mapping.
func (q *MappingQueue) Dequeue() (*mapping.Mapping, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.queue.Dequeue()
	if !ok {
		return nil, false
	}
	return v.(*mapping.Mapping), true
}

func (q *MappingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.queue.Size()
}

func (q *MappingQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Received returns how many mappings were ever enqueued.
func (q *MappingQueue) Received() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.received
}

// Close makes the queue drop further mappings. Queued mappings stay until
// Drain.
func (q *MappingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
}

// Drain releases the queued mappings into cache and returns how many there
// were.
func (q *MappingQueue) Drain(cache *mapping.RecycleCache) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.queue.Size()
	for _, v := range q.queue.Values() {
		cache.Release(v.(*mapping.Mapping))
	}
	q.queue.Clear()
	return n
}
