package sched

import "container/heap"

// sleepNode is one entry in the sleep queue: adapted from the teacher's
// red-black-tree timer store (internal/runtime/kernel/scheduler.go) into a
// deadline-ordered binary heap — same ordering guarantee, simpler Go
// expression of the same idea (container/heap is the stdlib min-heap;
// nothing in the example pack ships a ready-made priority queue).
type sleepNode struct {
	thread     *Thread
	deadlineMs uint64
	index      int // heap.Interface bookkeeping
}

type sleepHeap []*sleepNode

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].deadlineMs < h[j].deadlineMs }
func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *sleepHeap) Push(x any) {
	n := x.(*sleepNode)
	n.index = len(*h)
	*h = append(*h, n)
}

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*h = old[:n-1]
	return node
}

// sleepQueue holds every thread currently asleep on a core, ordered by
// absolute deadline, per spec.md §4.5's sleep-queue description.
type sleepQueue struct {
	h sleepHeap
}

func newSleepQueue() *sleepQueue {
	q := &sleepQueue{}
	heap.Init(&q.h)
	return q
}

func (q *sleepQueue) insert(t *Thread, deadlineMs uint64) *sleepNode {
	n := &sleepNode{thread: t, deadlineMs: deadlineMs}
	t.obj.sleepLink = n
	heap.Push(&q.h, n)
	return n
}

// remove cancels a sleep before its deadline (used by Queue-while-Blocking
// and by Expedite), per spec.md §8 scenario 6.
func (q *sleepQueue) remove(n *sleepNode) {
	if n.index < 0 || n.index >= len(q.h) {
		return
	}
	heap.Remove(&q.h, n.index)
}

// expired pops every node whose deadline is <= nowMs, in deadline order.
func (q *sleepQueue) expired(nowMs uint64) []*sleepNode {
	var out []*sleepNode
	for q.h.Len() > 0 && q.h[0].deadlineMs <= nowMs {
		out = append(out, heap.Pop(&q.h).(*sleepNode))
	}
	return out
}

func (q *sleepQueue) len() int { return q.h.Len() }
