package spider

import (
	"container/heap"
	"time"

	"github.com/hashicorp/cronexpr"
)

// heapEntry is one live reservation awaiting its next fire. UUIDs are kept
// as raw 16-byte values here; the hex form exists only on the wire and in
// the catalog.
type heapEntry struct {
	fireAt   int64
	uuid     [16]byte
	interval time.Duration
	schedule *cronexpr.Expression
}

// next returns the fire time following now.
func (e *heapEntry) next(now time.Time) int64 {
	if e.schedule != nil {
		return e.schedule.Next(now).Unix()
	}
	return now.Add(e.interval).Unix()
}

// reservationHeap is a min-heap on fireAt.
type reservationHeap []*heapEntry

func (h reservationHeap) Len() int            { return len(h) }
func (h reservationHeap) Less(i, j int) bool  { return h[i].fireAt < h[j].fireAt }
func (h reservationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reservationHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }

func (h *reservationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

func (h *reservationHeap) push(e *heapEntry) {
	heap.Push(h, e)
}

// peek returns the earliest entry without removing it.
func (h reservationHeap) peek() *heapEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// popDue removes and returns up to max entries with fireAt <= now, in due
// order.
func (h *reservationHeap) popDue(now int64, max int) []*heapEntry {
	var due []*heapEntry
	for len(*h) > 0 && len(due) < max {
		if (*h)[0].fireAt > now {
			break
		}
		due = append(due, heap.Pop(h).(*heapEntry))
	}
	return due
}
