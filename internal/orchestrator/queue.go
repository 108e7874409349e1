package orchestrator

import (
	"container/heap"
)

// runQueue orders queued jobs by priority class, then submission sequence.
// It is owned by the coordinating goroutine and is not safe for concurrent use.
type runQueue struct {
	items []*Job
}

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if ra, rb := a.priority.Rank(), b.priority.Rank(); ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

func (q *runQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *runQueue) Push(x any) {
	j := x.(*Job)
	j.index = len(q.items)
	q.items = append(q.items, j)
}

func (q *runQueue) Pop() any {
	old := q.items
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	q.items = old[:n-1]
	return j
}

func (q *runQueue) push(j *Job) {
	heap.Push(q, j)
}

func (q *runQueue) pop() *Job {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Job)
}

// remove takes j out of the queue. It reports false when j is not queued.
func (q *runQueue) remove(j *Job) bool {
	if j.index < 0 || j.index >= q.Len() || q.items[j.index] != j {
		return false
	}
	heap.Remove(q, j.index)
	return true
}
