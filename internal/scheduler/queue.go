package scheduler

import (
	"container/heap"
	"time"
)

// Priority orders queued commands; lower values run first. Ties are broken
// by submission order, so background reads can never starve a control
// command but still run FIFO among themselves.
type Priority int

const (
	PriorityControl Priority = iota
	PriorityProbe
	PriorityRead
)

type result struct {
	output string
	err    error
}

// request is one queued command. The done channel is buffered so the
// worker never blocks delivering a result the caller stopped waiting for.
type request struct {
	command  string
	timeout  time.Duration
	priority Priority
	seq      uint64
	done     chan result
}

type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}

	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) {
	*q = append(*q, x.(*request))
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return item
}

var _ heap.Interface = (*requestQueue)(nil)
