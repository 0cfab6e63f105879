package pool

import (
	"container/heap"
	"context"
)

// item is one queued task plus its admission bookkeeping.
type item struct {
	task    Task
	baseCtx context.Context
	seq     uint64
	index   int
	cancel  context.CancelFunc
}

// taskQueue orders by priority (higher first), then submission order.
type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *taskQueue) push(it *item) { heap.Push(q, it) }
func (q *taskQueue) pop() *item    { return heap.Pop(q).(*item) }
func (q *taskQueue) remove(i int)  { heap.Remove(q, i) }
