package runmgr

import (
	"container/heap"
	"time"

	"github.com/dshills/duraflow/flow"
)

type jobKind int

const (
	jobStart jobKind = iota
	jobResume
)

// job is one queued unit of work: starting a new run or resuming a
// parked one.
type job struct {
	kind       jobKind
	runID      string
	workflowID string
	priority   int
	patch      flow.State
	enqueuedAt time.Time
	seq        uint64
}

// jobQueue orders jobs by priority descending, then enqueue time
// ascending. The seq tiebreak keeps same-instant enqueues FIFO.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].enqueuedAt.Equal(q[j].enqueuedAt) {
		return q[i].enqueuedAt.Before(q[j].enqueuedAt)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

var _ heap.Interface = (*jobQueue)(nil)
