package scheduler

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueOrdersByPriorityThenSequence(t *testing.T) {
	q := requestQueue{}
	heap.Init(&q)

	push := func(command string, priority Priority, seq uint64) {
		heap.Push(&q, &request{command: command, priority: priority, seq: seq})
	}

	push("read-1", PriorityRead, 1)
	push("control-1", PriorityControl, 2)
	push("probe-1", PriorityProbe, 3)
	push("control-2", PriorityControl, 4)
	push("read-2", PriorityRead, 5)

	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*request).command)
	}

	assert.Equal(t, []string{"control-1", "control-2", "probe-1", "read-1", "read-2"}, got)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := requestQueue{}
	heap.Init(&q)

	for seq := uint64(1); seq <= 10; seq++ {
		heap.Push(&q, &request{priority: PriorityRead, seq: seq})
	}

	prev := uint64(0)
	for q.Len() > 0 {
		req := heap.Pop(&q).(*request)
		assert.Greater(t, req.seq, prev, "submission order broken within one priority")
		prev = req.seq
	}
}
