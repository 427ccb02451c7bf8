package rawpool

import "sync"

// requestQueue is the unbounded input queue shared by all worker hosts.
// A nil entry is the shutdown sentinel: each host that pops one exits.
type requestQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*DecodeRequest
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *requestQueue) push(req *DecodeRequest) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an entry is available.
func (q *requestQueue) pop() *DecodeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return req
}

// takeRequests removes and returns every queued request, leaving sentinels in
// place.
func (q *requestQueue) takeRequests() []*DecodeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []*DecodeRequest
	kept := q.items[:0]
	for _, req := range q.items {
		if req == nil {
			kept = append(kept, nil)
			continue
		}
		taken = append(taken, req)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return taken
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// resultQueue collects finished results from every host until the owner
// drains them.
type resultQueue struct {
	mu    sync.Mutex
	items []*DecodeResult
	ready chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{ready: make(chan struct{}, 1)}
}

func (q *resultQueue) push(res *DecodeResult) {
	q.mu.Lock()
	q.items = append(q.items, res)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// popN removes up to limit results, oldest first. limit <= 0 takes all.
func (q *resultQueue) popN(limit int) []*DecodeResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DecodeResult, n)
	copy(out, q.items[:n])
	rest := copy(q.items, q.items[n:])
	for i := rest; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:rest]
	if rest > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return out
}

func (q *resultQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

func (q *resultQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
