package queue

import (
	"container/heap"
	"time"
)

type laneKey struct {
	bot  string
	chat int64
}

// lane is the FIFO of pending jobs for one chat of one bot.
type lane struct {
	key      laneKey
	pending  []*record
	inflight *record
	// gen invalidates ready and delayed entries queued before the lane's
	// head last changed.
	gen uint64
}

func (l *lane) empty() bool { return l.inflight == nil && len(l.pending) == 0 }

func (l *lane) pushBack(r *record) { l.pending = append(l.pending, r) }

func (l *lane) pushFront(r *record) {
	l.pending = append(l.pending, nil)
	copy(l.pending[1:], l.pending)
	l.pending[0] = r
}

func (l *lane) popFront() *record {
	r := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return r
}

func (l *lane) remove(r *record) bool {
	for i, p := range l.pending {
		if p == r {
			copy(l.pending[i:], l.pending[i+1:])
			l.pending[len(l.pending)-1] = nil
			l.pending = l.pending[:len(l.pending)-1]
			return true
		}
	}
	return false
}

type laneRef struct {
	lane *lane
	gen  uint64
}

func (r laneRef) valid() bool { return r.lane.gen == r.gen }

// ring is a FIFO of lanes whose head is due now.
type ring struct {
	items []laneRef
	head  int
}

func (q *ring) push(r laneRef) { q.items = append(q.items, r) }

func (q *ring) pop() (laneRef, bool) {
	if q.head >= len(q.items) {
		return laneRef{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = laneRef{}
	q.head++
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return r, true
}

func (q *ring) len() int { return len(q.items) - q.head }

type delayed struct {
	at time.Time
	laneRef
}

// delayHeap orders lanes whose head is not due yet by wake time.
type delayHeap []delayed

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = delayed{}
	*h = old[:n-1]
	return it
}

func (h *delayHeap) add(d delayed) { heap.Push(h, d) }

func (h delayHeap) peek() (delayed, bool) {
	if len(h) == 0 {
		return delayed{}, false
	}
	return h[0], true
}

func (h *delayHeap) popMin() delayed { return heap.Pop(h).(delayed) }
