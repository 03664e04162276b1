package torrent

//how many requests we pipeline to a peer before stashing the rest locally
const maxOnFlight = 10

//requestQueuer tracks which block requests have been written to the wire
//(onFlight) and which wait locally for a free slot (pending). The wire never
//sees more than maxOnFlight outstanding requests.
type requestQueuer struct {
	onFlight map[block]struct{}
	pending  *blockQueue
}

func newRequestQueuer() *requestQueuer {
	return &requestQueuer{
		onFlight: make(map[block]struct{}),
		pending:  newBlockQueue(maxOnFlight),
	}
}

//queue accepts bl for requesting. ready means the request should be written
//to the wire now, ok means the queuer had room for it.
func (rq *requestQueuer) queue(bl block) (ready, ok bool) {
	switch {
	case len(rq.onFlight) < maxOnFlight:
		rq.onFlight[bl] = struct{}{}
		ready, ok = true, true
	case !rq.pending.full():
		rq.pending.push(bl)
		ok = true
	}
	return
}

//deleteCompleted removes a block whose piece msg arrived. If a pending block
//took the freed slot, it is returned so the caller can write its request.
func (rq *requestQueuer) deleteCompleted(bl block) (ready block, ok bool) {
	if ok = rq.frontRemove(bl); !ok {
		return
	}
	if rq.pending.empty() {
		return
	}
	ready = rq.pending.pop()
	rq.onFlight[ready] = struct{}{}
	return
}

//cancel drops bl from the queuer. wasOnFlight tells whether a request for it
//had already been written to the wire (so a Cancel msg is due).
func (rq *requestQueuer) cancel(bl block) (wasOnFlight, ok bool) {
	if rq.frontRemove(bl) {
		return true, true
	}
	return false, rq.pending.remove(bl)
}

func (rq *requestQueuer) discardAll() []block {
	blocks := make([]block, len(rq.pending.blocks))
	copy(blocks, rq.pending.blocks)
	rq.pending.clear()
	for req := range rq.onFlight {
		blocks = append(blocks, req)
	}
	rq.onFlight = make(map[block]struct{})
	return blocks
}

func (rq *requestQueuer) needMore() bool {
	return rq.pending.empty()
}

func (rq *requestQueuer) frontRemove(bl block) bool {
	if rq.frontContains(bl) {
		delete(rq.onFlight, bl)
		return true
	}
	return false
}

func (rq *requestQueuer) frontContains(bl block) bool {
	_, ok := rq.onFlight[bl]
	return ok
}

func (rq *requestQueuer) empty() bool {
	return len(rq.onFlight) == 0 && rq.pending.empty()
}

func (rq *requestQueuer) full() bool {
	return len(rq.onFlight) == maxOnFlight && rq.pending.full()
}

type blockQueue struct {
	blocks []block
	len    int
}

func newBlockQueue(len int) *blockQueue {
	return &blockQueue{
		len: len,
	}
}

func (q *blockQueue) push(bl block) bool {
	if !q.full() {
		q.blocks = append(q.blocks, bl)
		return true
	}
	return false
}

func (q *blockQueue) pop() (head block) {
	if q.empty() {
		return
	}
	head = q.blocks[0]
	q.blocks = q.blocks[1:]
	return
}

func (q *blockQueue) remove(bl block) bool {
	for i, b := range q.blocks {
		if b == bl {
			q.blocks = append(q.blocks[:i], q.blocks[i+1:]...)
			return true
		}
	}
	return false
}

func (q *blockQueue) clear() {
	q.blocks = []block{}
}

func (q *blockQueue) empty() bool {
	return len(q.blocks) == 0
}

func (q *blockQueue) full() bool {
	return len(q.blocks) == q.len
}
