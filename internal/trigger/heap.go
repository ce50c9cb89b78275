package trigger

import (
	"container/heap"
	"time"
)

type item struct {
	id        string
	at        time.Time // when the loop picks it up
	instant   time.Time // the scheduled instant being delivered
	version   uint64
	recovered bool
}

// itemHeap is a min-heap ordered by instant.
type itemHeap []item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func heapPush(h *itemHeap, it item) { heap.Push(h, it) }

func heapPop(h *itemHeap) item { return heap.Pop(h).(item) }

// popDue removes every item whose instant is not after now.
func popDue(h *itemHeap, now time.Time) []item {
	var due []item
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		due = append(due, heapPop(h))
	}
	return due
}
