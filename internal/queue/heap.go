package queue

import "time"

// entry is an ephemeral queue record for one job. Its score is the
// priority-weighted readiness ordering implemented by the heap comparators;
// seq is a monotonically increasing admission counter providing the FIFO
// tie-break within equal priority.
type entry struct {
	jobID    string
	priority int
	readyAt  time.Time
	seq      uint64
}

// less orders ready entries: higher priority first, then earlier readiness,
// then admission order.
func (e *entry) less(other *entry) bool {
	if e.priority != other.priority {
		return e.priority > other.priority
	}
	if !e.readyAt.Equal(other.readyAt) {
		return e.readyAt.Before(other.readyAt)
	}
	return e.seq < other.seq
}

// readyHeap holds entries eligible (or scheduled to become eligible) for
// dequeue. Readiness is enforced at dequeue time, not by a separate set.
type readyHeap []*entry

func (h readyHeap) Len() int            { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)         { *h = append(*h, x.(*entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap holds retry-delayed entries ordered by readiness time alone.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h readyHeap) indexOf(jobID string) int {
	for i, e := range h {
		if e.jobID == jobID {
			return i
		}
	}
	return -1
}

func (h delayHeap) indexOf(jobID string) int {
	for i, e := range h {
		if e.jobID == jobID {
			return i
		}
	}
	return -1
}
