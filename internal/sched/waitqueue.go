package sched

import (
	"rvkernel/internal/kspin"
	"rvkernel/internal/task"
)

// WaitQueue is an atomic enqueue-and-block / dequeue-and-wake primitive
// shared by IPC (blocking send/recv) and interrupt delivery (a task waiting
// for an ISR to post). The queue's lock is held across the scheduler state
// transition in Wait, so a wake racing a blocking caller can never be lost.
//
// The lock
// itself is a kspin.Checked at LevelWaitQueue, orthogonal to the
// scheduler->task->captable->as->pagetables->pfa order like LevelChannel,
// since callers such as ipc.Endpoint.Recv legitimately hold a channel lock
// across a call into Wait.
type WaitQueue struct {
	lock  kspin.Checked
	queue []task.ID
}

// NewWaitQueue returns an empty wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{lock: *kspin.NewChecked(kspin.LevelWaitQueue)}
}

// Wait enqueues the calling task and blocks it by invoking Schedule with
// task.Blocked, all while holding the queue's lock, so a concurrent Wake on
// another hart either observes the task already queued (and dequeues it,
// requeuing it Ready before this hart ever parks) or runs strictly after
// this call returns and finds it queued normally. current is the TID of the
// task now blocking; the caller is the hart's trap-return loop, which must
// actually context-switch away once Wait returns the successor TID.
func (w *WaitQueue) Wait(s *Scheduler, hart int, current task.ID) (task.ID, bool) {
	w.lock.Lock(hart)
	w.queue = append(w.queue, current)
	next, ok := s.Schedule(hart, current, task.Blocked)
	w.lock.Unlock(hart)
	return next, ok
}

// WakeOne dequeues the longest-waiting task, if any, and marks it Ready via
// the scheduler, returning its TID. hart identifies the caller, normally the
// hart handling the send/interrupt that produced the wakeup (not the
// waiting task's own hart).
func (w *WaitQueue) WakeOne(s *Scheduler, hart int) (task.ID, bool) {
	w.lock.Lock(hart)
	if len(w.queue) == 0 {
		w.lock.Unlock(hart)
		return 0, false
	}
	tid := w.queue[0]
	w.queue = w.queue[1:]
	w.lock.Unlock(hart)
	s.Wake(tid)
	return tid, true
}

// WakeAll drains the queue, waking every task on it. Used when a channel's
// peer closes: all blocked senders and receivers on a closed endpoint must
// observe Closed rather than hang forever.
func (w *WaitQueue) WakeAll(s *Scheduler, hart int) []task.ID {
	w.lock.Lock(hart)
	drained := w.queue
	w.queue = nil
	w.lock.Unlock(hart)
	for _, tid := range drained {
		s.Wake(tid)
	}
	return drained
}

// Len reports how many tasks are currently parked, for introspection/tests.
func (w *WaitQueue) Len(hart int) int {
	w.lock.Lock(hart)
	defer w.lock.Unlock(hart)
	return len(w.queue)
}
