// Package task implements the task control block and trap frame that the
// scheduler and trap dispatch share.
//
// Which task runs on which hart is tracked by internal/sched (each hart's
// HartState.Current) and mirrored in Task.Hart, not by this package.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"rvkernel/internal/captab"
	"rvkernel/internal/vmspace"
)

// ID is a monotonically assigned Task ID, never reused for a live task.
type ID uint64

// State is where a task sits in the scheduling state machine.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Frame is the trapped register state saved on kernel entry and restored on
// sret. Field names follow the RISC-V calling convention.
type Frame struct {
	PC   uint64
	RA   uint64
	SP   uint64
	GP   uint64
	TP   uint64
	A    [8]uint64 // a0..a7: a0 is the syscall number/return error, a1 the primary return value
	T    [7]uint64 // t0..t6
	S    [12]uint64
	SStatus uint64
}

// Accounting holds nanosecond user/system time counters maintained while
// this task runs, adjusted for time spent blocked on I/O or asleep so Sysns
// reflects only genuine kernel work.
type Accounting struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

func nowNanos() int64 { return time.Now().UnixNano() }

// UserTimeAdd adds delta nanoseconds of user-mode execution.
func (a *Accounting) UserTimeAdd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// SysTimeAdd adds delta nanoseconds of kernel-mode execution.
func (a *Accounting) SysTimeAdd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// IOTime removes the time spent waiting for I/O, started at since, from the
// system-time counter.
func (a *Accounting) IOTime(since int64) { a.SysTimeAdd(since - nowNanos()) }

// SleepTime removes the time spent asleep, started at since, from the
// system-time counter.
func (a *Accounting) SleepTime(since int64) { a.SysTimeAdd(since - nowNanos()) }

// Snapshot returns the current (Userns, Sysns) pair. The adders do not take
// mu, so an add racing the call may show in one value and not the other.
func (a *Accounting) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

// Task is the kernel's unit of scheduling.
type Task struct {
	TID      ID
	AS       *vmspace.Space
	Caps     *captab.Table
	Frame    Frame
	Priority uint16
	State    State
	Parent   ID
	Hart     int // -1 if not currently affine to any hart

	Accounting Accounting

	// ExitStatus is set once, when the task transitions to Dead via Exit,
	// and read by a parent's monitor channel.
	ExitStatus int32
	exited     bool

	// kernel stack is represented only by its size for bookkeeping; the
	// real bytes live in whatever arena internal/hal provides, since the
	// kernel never runs on its own simulated stack in this hosted build.
	KernelStackSize uint64
}

// New allocates a fresh TCB. TID assignment is the caller's responsibility
// (internal/sched owns the monotonic counter so TID uniqueness is enforced
// in one place).
func New(tid ID, as *vmspace.Space, parent ID, priority uint16) *Task {
	return &Task{
		TID:      tid,
		AS:       as,
		Caps:     captab.NewTable(),
		Priority: priority,
		State:    Ready,
		Parent:   parent,
		Hart:     -1,
	}
}

// Exit transitions the task to Dead and records its exit status. It is
// idempotent: a second call is a no-op, since Exit may race with the
// scheduler reaping a killed task.
func (t *Task) Exit(status int32) {
	if t.exited {
		return
	}
	t.exited = true
	t.ExitStatus = status
	t.State = Dead
}

// Exited reports whether Exit has already run.
func (t *Task) Exited() bool { return t.exited }
