package pool

import (
	"time"

	"github.com/google/btree"
)

// request is one caller's outstanding ask for a socket.
type request struct {
	handle   *Handle
	callback Callback
	priority Priority
	seq      uint64
	queuedAt time.Time
}

// requestLess orders by priority, highest first, then by arrival.
// Sequence numbers are unique, so this is a total order.
func requestLess(a, b *request) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// requestQueue is a group's pending requests, ordered by requestLess and
// indexed by handle id.
type requestQueue struct {
	tree     *btree.BTreeG[*request]
	byHandle map[uint64]*request
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		tree:     btree.NewG(8, requestLess),
		byHandle: make(map[uint64]*request),
	}
}

func (q *requestQueue) push(r *request) {
	q.tree.ReplaceOrInsert(r)
	q.byHandle[r.handle.id] = r
}

func (q *requestQueue) head() (*request, bool) {
	return q.tree.Min()
}

func (q *requestQueue) remove(r *request) {
	q.tree.Delete(r)
	delete(q.byHandle, r.handle.id)
}

// removeHandle removes the request bound to h, if any.
func (q *requestQueue) removeHandle(h *Handle) (*request, bool) {
	r, ok := q.byHandle[h.id]
	if !ok || r.handle != h {
		return nil, false
	}
	q.remove(r)
	return r, true
}

// position returns the zero-based rank of h's request, or -1.
func (q *requestQueue) position(h *Handle) int {
	r, ok := q.byHandle[h.id]
	if !ok || r.handle != h {
		return -1
	}
	pos := 0
	q.tree.Ascend(func(item *request) bool {
		if item == r {
			return false
		}
		pos++
		return true
	})
	return pos
}

func (q *requestQueue) len() int {
	return q.tree.Len()
}

// drain removes and returns all requests in service order.
func (q *requestQueue) drain() []*request {
	out := make([]*request, 0, q.tree.Len())
	q.tree.Ascend(func(r *request) bool {
		out = append(out, r)
		return true
	})
	q.tree.Clear(false)
	clear(q.byHandle)
	return out
}
