// Package sched implements per-hart run queues over a pluggable scheduling
// policy, plus the wait-queue primitive used by IPC and interrupt delivery
// to block and wake tasks without losing wakeups.
//
// The default round-robin policy rotates its queue until a Ready entry is
// at the head; the wait queue holds its lock across the block state
// transition. Per-hart goroutine supervision uses golang.org/x/sync's
// errgroup to propagate the first fatal hart error to the boot harness.
package sched

import (
	"fmt"
	"sync"

	"rvkernel/internal/task"
)

// TaskMetadata is what a policy is told about a task at enqueue time.
type TaskMetadata struct {
	RunState task.State
}

// Policy is the pluggable scheduling policy interface.
type Policy interface {
	Next() (task.ID, bool)
	Enqueue(tid task.ID, meta TaskMetadata)
	Dequeue(tid task.ID)
	SetState(tid task.ID, state task.State)
	SetPriority(tid task.ID, priority uint16)
	Preempted(tid task.ID)
}

type rrEntry struct {
	tid   task.ID
	state task.State
}

// RoundRobin is the default policy: rotate the queue until a Ready entry
// reaches the head. Blocked and Dead entries are skipped but retained in
// place, preserving fairness ordering once they become Ready again.
type RoundRobin struct {
	mu   sync.Mutex
	tids []rrEntry
}

// NewRoundRobin returns an empty round-robin policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Next() (task.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tids)
	if n == 0 {
		return 0, false
	}
	for i := 0; i < n; i++ {
		r.tids = append(r.tids[1:], r.tids[0])
		if r.tids[0].state == task.Ready {
			return r.tids[0].tid, true
		}
	}
	return 0, false
}

func (r *RoundRobin) Enqueue(tid task.ID, meta TaskMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tids = append(r.tids, rrEntry{tid: tid, state: meta.RunState})
}

func (r *RoundRobin) Dequeue(tid task.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.tids {
		if e.tid == tid {
			r.tids = append(r.tids[:i], r.tids[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("sched: asked to dequeue TID %d not present in policy", tid))
}

func (r *RoundRobin) SetState(tid task.ID, state task.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tids {
		if r.tids[i].tid == tid {
			r.tids[i].state = state
			return
		}
	}
}

func (r *RoundRobin) SetPriority(task.ID, uint16) {}
func (r *RoundRobin) Preempted(task.ID)           {}

// PriorityFeedback is a second, additive policy: among Ready tasks, it
// always favors the highest Priority, falling back to round-robin order
// among ties. It does not replace RoundRobin as the scheduler's default.
type PriorityFeedback struct {
	mu    sync.Mutex
	tids  []rrEntry
	prio  map[task.ID]uint16
	cursor int
}

// NewPriorityFeedback returns an empty priority-feedback policy.
func NewPriorityFeedback() *PriorityFeedback {
	return &PriorityFeedback{prio: map[task.ID]uint16{}}
}

func (p *PriorityFeedback) Next() (task.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := -1
	var bestPrio int32 = -1
	n := len(p.tids)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.tids[idx]
		if e.state != task.Ready {
			continue
		}
		pr := int32(p.prio[e.tid])
		if pr > bestPrio {
			bestPrio = pr
			best = idx
		}
	}
	if best < 0 {
		return 0, false
	}
	p.cursor = (best + 1) % n
	return p.tids[best].tid, true
}

func (p *PriorityFeedback) Enqueue(tid task.ID, meta TaskMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tids = append(p.tids, rrEntry{tid: tid, state: meta.RunState})
	if _, ok := p.prio[tid]; !ok {
		p.prio[tid] = 0
	}
}

func (p *PriorityFeedback) Dequeue(tid task.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.tids {
		if e.tid == tid {
			p.tids = append(p.tids[:i], p.tids[i+1:]...)
			delete(p.prio, tid)
			return
		}
	}
}

func (p *PriorityFeedback) SetState(tid task.ID, state task.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.tids {
		if p.tids[i].tid == tid {
			p.tids[i].state = state
			return
		}
	}
}

func (p *PriorityFeedback) SetPriority(tid task.ID, priority uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prio[tid] = priority
}

func (p *PriorityFeedback) Preempted(task.ID) {}

var _ Policy = (*RoundRobin)(nil)
var _ Policy = (*PriorityFeedback)(nil)
