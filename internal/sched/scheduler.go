package sched

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"rvkernel/internal/klog"
	"rvkernel/internal/task"
)

// IPISender abstracts whatever wakes an idle hart out of WFI; in the hosted
// build (cmd/kernelsim) this is sim.FakeSBI.SendIPI, on real hardware an SBI send_ipi call
// (internal/sbi.Caller.SendIPI).
type IPISender interface {
	Wake(hart int)
}

// HartState is what the scheduler tracks per hart.
type HartState struct {
	Policy  Policy
	Current task.ID
	hasTask bool
	idle    bool
}

// Scheduler owns one run-queue (policy instance) per hart and the global
// task registry needed to resolve a TID to its TCB and its current hart
// affinity.
type Scheduler struct {
	mu    sync.Mutex
	harts []HartState
	tasks map[task.ID]*task.Task
	home  map[task.ID]int // hart a task is enqueued on
	ipi   IPISender
	log   *klog.Logger

	sliceLen  int
	sliceLeft []int // per hart, counts down once per timer tick

	nextTID uint64
}

// NewPolicy constructs the default policy for a hart; overridden in tests
// that want to exercise PriorityFeedback instead.
type NewPolicy func() Policy

// New creates a Scheduler with nHarts run queues, each seeded by newPolicy.
func New(nHarts int, newPolicy NewPolicy, ipi IPISender, log *klog.Logger) *Scheduler {
	s := &Scheduler{
		harts:     make([]HartState, nHarts),
		tasks:     map[task.ID]*task.Task{},
		home:      map[task.ID]int{},
		ipi:       ipi,
		log:       log,
		sliceLen:  1,
		sliceLeft: make([]int, nHarts),
		nextTID:   1,
	}
	for i := range s.harts {
		s.harts[i] = HartState{Policy: newPolicy(), idle: true}
		s.sliceLeft[i] = s.sliceLen
	}
	return s
}

// SetSliceTicks configures how many timer ticks a task may run before the
// tick path preempts it. The default of 1 rotates the run queue on every
// quantum.
func (s *Scheduler) SetSliceTicks(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sliceLen = n
	for i := range s.sliceLeft {
		s.sliceLeft[i] = n
	}
}

// Tick drives the timer-interrupt path on hart: if the current task's
// slice is exhausted it is preempted (the policy is notified and the task
// returned to Ready) and the successor TID is returned with switched=true;
// otherwise the slice counter is decremented and the current task keeps
// running.
func (s *Scheduler) Tick(hart int) (task.ID, bool) {
	s.mu.Lock()
	h := &s.harts[hart]
	if !h.hasTask {
		s.mu.Unlock()
		return 0, false
	}
	if s.sliceLeft[hart] > 1 {
		s.sliceLeft[hart]--
		s.mu.Unlock()
		return 0, false
	}
	s.sliceLeft[hart] = s.sliceLen
	current := h.Current
	h.Policy.Preempted(current)
	s.mu.Unlock()
	return s.Schedule(hart, current, task.Ready)
}

// NewTID hands out the next monotonic Task ID. IDs are never reused while a
// task referencing them is live; the counter itself never rewinds.
func (s *Scheduler) NewTID() task.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := task.ID(s.nextTID)
	s.nextTID++
	return id
}

// AddTask registers t on the given hart's run queue as Ready.
func (s *Scheduler) AddTask(hart int, t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.TID]; exists {
		panic(fmt.Sprintf("sched: TID %d already registered", t.TID))
	}
	s.tasks[t.TID] = t
	s.home[t.TID] = hart
	s.harts[hart].Policy.Enqueue(t.TID, TaskMetadata{RunState: task.Ready})
	s.harts[hart].Policy.SetPriority(t.TID, t.Priority)
}

// RemoveTask drops a task entirely, used on task teardown once it is Dead
// and no live references remain.
func (s *Scheduler) RemoveTask(tid task.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hart, ok := s.home[tid]
	if !ok {
		return
	}
	s.harts[hart].Policy.Dequeue(tid)
	delete(s.home, tid)
	delete(s.tasks, tid)
}

// Task looks up a TCB by TID.
func (s *Scheduler) Task(tid task.ID) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tid]
	return t, ok
}

// Schedule records newState for the currently running task on hart and
// picks a successor. It returns the TID to switch to, or ok=false if the
// hart should enter its WFI loop.
func (s *Scheduler) Schedule(hart int, current task.ID, newState task.State) (task.ID, bool) {
	s.mu.Lock()
	h := &s.harts[hart]
	h.Policy.SetState(current, newState)
	if t, ok := s.tasks[current]; ok {
		t.State = newState
	}
	next, ok := h.Policy.Next()
	if ok {
		h.Current = next
		h.hasTask = true
		h.idle = false
		if t, ok := s.tasks[next]; ok {
			t.State = task.Running
			t.Hart = hart
		}
	} else {
		h.hasTask = false
		h.idle = true
	}
	s.mu.Unlock()
	return next, ok
}

// Wake marks tid Ready. If tid's home hart is idle, an IPI wakes it out of
// WFI so it can reschedule instead of waiting for its own next tick.
func (s *Scheduler) Wake(tid task.ID) {
	s.mu.Lock()
	hart, ok := s.home[tid]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.harts[hart].Policy.SetState(tid, task.Ready)
	if t, ok := s.tasks[tid]; ok {
		t.State = task.Ready
	}
	wasIdle := s.harts[hart].idle
	s.mu.Unlock()
	if wasIdle && s.ipi != nil {
		s.ipi.Wake(hart)
	}
}

// SetPriority forwards a priority change to tid's home hart's policy;
// policies observe it on their next Next() call.
func (s *Scheduler) SetPriority(tid task.ID, priority uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hart, ok := s.home[tid]
	if !ok {
		return
	}
	s.harts[hart].Policy.SetPriority(tid, priority)
	if t, ok := s.tasks[tid]; ok {
		t.Priority = priority
	}
}

// HaltHart marks a hart idle with no current task after a fatal kernel
// invariant violation; wired as the klog.Logger.Halt callback by the boot
// harness. It does not stop a later Schedule call on that hart from
// picking a task again.
func (s *Scheduler) HaltHart(hart int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harts[hart].idle = true
	s.harts[hart].hasTask = false
	if s.log != nil {
		s.log.ForHart(hart).Errorf("hart halted")
	}
}

// Supervise runs fn for each hart as a managed goroutine via
// golang.org/x/sync/errgroup, returning the first non-nil error any hart
// returns (e.g. a fatal kernel invariant violation) once every hart's fn
// has returned; the other harts are not cancelled.
//
// A panic escaping fn (kspin/pfa route fatal invariant violations through
// kspin.Fatal, which panics by default; cmd/kernelsim's override logs
// first and then panics) is recovered
// here and converted into this hart's HaltHart plus a returned error,
// rather than being left to unwind past Supervise and crash every other
// hart's goroutine along with it; a fatal condition halts only the
// offending hart.
func (s *Scheduler) Supervise(nHarts int, fn func(hart int) error) error {
	var g errgroup.Group
	for h := 0; h < nHarts; h++ {
		hart := h
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.HaltHart(hart)
					err = fmt.Errorf("sched: hart %d halted on fatal error: %v", hart, r)
				}
			}()
			return fn(hart)
		})
	}
	return g.Wait()
}
