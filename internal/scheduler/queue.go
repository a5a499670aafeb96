package scheduler

import (
	"container/heap"
	"time"
)

// queuedRun is one pending dispatch: either the first attempt of a fire or a
// scheduled retry. fire identifies the run; due says when to dispatch it.
type queuedRun struct {
	jobID   string
	fire    time.Time
	due     time.Time
	attempt int // 1-based attempt to dispatch next
	seq     uint64
}

// runQueue is a min-heap ordered by due time, insertion order breaking ties
// so equal-due runs dispatch first-come-first-served.
type runQueue struct {
	items []*queuedRun
	seq   uint64
}

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return a.seq < b.seq
}

func (q *runQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *runQueue) Push(x any) { q.items = append(q.items, x.(*queuedRun)) }

func (q *runQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

func (q *runQueue) push(r *queuedRun) {
	q.seq++
	r.seq = q.seq
	heap.Push(q, r)
}

// peek returns the earliest-due run without removing it.
func (q *runQueue) peek() *queuedRun {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *runQueue) pop() *queuedRun {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*queuedRun)
}
