package pipeline

import (
	"sync"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// WorkItem is one unit of work: an input file path or, for builders that
// read from a query, the ingest specification id itself.
type WorkItem struct {
	Spec domain.IngestSpec
	Unit string
}

// Queue is a FIFO of work items shared by all workers of a run. It must be
// fully loaded before the workers start; an empty queue means the run is
// done.
type Queue struct {
	mu    sync.Mutex
	items []WorkItem
}

// NewQueue returns a queue preloaded with items.
func NewQueue(items ...WorkItem) *Queue {
	q := &Queue{items: make([]WorkItem, len(items))}
	copy(q.items, items)
	return q
}

// TryPop removes and returns the head of the queue without blocking.
func (q *Queue) TryPop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	item := q.items[0]
	q.items[0] = WorkItem{}
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of items left.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
