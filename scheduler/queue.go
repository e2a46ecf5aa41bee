package scheduler

import (
	"container/heap"

	"github.com/bitrise-io/go-chunkupload/chunk"
)

// pendingQueue orders pending chunks by priority, highest first, then by
// index, lowest first.
type pendingQueue []chunk.Descriptor

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Index < q[j].Index
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) {
	*q = append(*q, x.(chunk.Descriptor))
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

func (q *pendingQueue) push(d chunk.Descriptor) {
	heap.Push(q, d)
}

func (q *pendingQueue) pop() chunk.Descriptor {
	return heap.Pop(q).(chunk.Descriptor)
}
