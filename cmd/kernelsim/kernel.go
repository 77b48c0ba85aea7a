// Command kernelsim hosts the whole kernel, every internal/ package wired
// together, as an ordinary process so its scheduler, IPC, fault-handling
// and syscall dispatch logic can run (and be driven by tests) without a
// RV64GC core underneath. Subsystems come up leaves-first: frames, then
// page tables, address spaces, tasks, the scheduler, and finally syscall
// dispatch.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"rvkernel/internal/captab"
	"rvkernel/internal/hal/sim"
	"rvkernel/internal/intr"
	"rvkernel/internal/kcmdline"
	"rvkernel/internal/klog"
	"rvkernel/internal/kspin"
	"rvkernel/internal/pfa"
	"rvkernel/internal/pte"
	"rvkernel/internal/sched"
	"rvkernel/internal/syscalls"
	"rvkernel/internal/task"
	"rvkernel/internal/vmspace"
)

// userMax bounds every simulated address space to the low half of Sv39's
// 39-bit virtual address range, leaving the upper half for the kernel
// mapping.
const userMax = uint64(1) << 38

// tableArena is the Go-native pte.AllocTable backend used by a hosted
// kernel: page tables live as ordinary Go values rather than frames carved
// out of the simulated physical arena, since this build never needs a
// kernel virtual-to-physical walk over its own page tables.
type tableArena struct {
	tables []*pte.Table
}

func (a *tableArena) NewTable() (*pte.Table, uint64, error) {
	a.tables = append(a.tables, &pte.Table{})
	return a.tables[len(a.tables)-1], uint64(len(a.tables) - 1), nil
}

func (a *tableArena) FreeTable(ppn uint64) { a.tables[ppn] = nil }

func (a *tableArena) TableAt(ppn uint64) *pte.Table { return a.tables[ppn] }

// ipiAdapter bridges sched.IPISender to sim.FakeSBI's SendIPI, the hosted
// analogue of a cross-hart interrupt.
type ipiAdapter struct{ sbi *sim.FakeSBI }

func (a ipiAdapter) Wake(hart int) {
	_ = a.sbi.SendIPI(uint64(1)<<uint(hart), 0)
}

// Kernel is a fully wired, running instance: one physical RAM arena, one
// frame allocator, one page-table engine, one scheduler and interrupt
// controller shared by every hart, and a syscall dispatcher bound to them.
type Kernel struct {
	RAM    *sim.RAM
	Frames *pfa.Allocator
	Engine *pte.Engine
	Sched  *sched.Scheduler
	Intr   *intr.Controller
	SBI    *sim.FakeSBI
	Log    *klog.Logger
	Disp   *syscalls.Dispatcher

	// Quantum is the timer slice from scheduler.quantum (default 10 ms).
	Quantum time.Duration

	arena   *tableArena
	console []byte
}

// timebaseHz is the simulated mtime frequency TimerTick re-arms against.
const timebaseHz = 10_000_000

// Boot assembles a Kernel from a kernel-command-line string and a simulated
// physical RAM size, mirroring the boot sequence a real firmware handoff
// would drive.
func Boot(cmdline string, totalFrames, nHarts int) (*Kernel, error) {
	args := kcmdline.Parse(cmdline)
	log := klog.New(args)

	quantumMS, err := strconv.Atoi(args.StringOr("scheduler.quantum", "10"))
	if err != nil || quantumMS <= 0 {
		log.ForHart(0).Warnf("bad scheduler.quantum %q, using 10ms", args.StringOr("scheduler.quantum", ""))
		quantumMS = 10
	}

	ram, err := sim.NewRAM(totalFrames * pfa.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("kernelsim: boot ram: %w", err)
	}

	frames := pfa.New(0, totalFrames, nil)
	// Frames freed with a scrub request are zeroed through the RAM arena.
	pfa.Zero = func(f pfa.Frame) { clear(ram.Slice(uint64(f), pfa.FrameSize)) }
	arena := &tableArena{}
	engine := pte.New(arena, userMax)
	fakeSBI := sim.NewFakeSBI(nHarts)

	s := sched.New(nHarts, func() sched.Policy { return sched.NewRoundRobin() }, ipiAdapter{fakeSBI}, log)
	log.Halt = s.HaltHart

	// kspin (and pfa, which calls through it) catches reentrant locks,
	// lock-order violations and double-frees as fatal kernel invariant
	// violations; wire them through the same log-then-halt path Fatal
	// uses elsewhere, then still panic so the faulting hart's own call
	// stack unwinds instead of limping on past a known-corrupt state.
	// Supervise recovers that panic and confines it to the one hart.
	kspin.Fatal = func(hart int, msg string) {
		log.ForHart(hart).Fatal("%s", msg)
		panic(msg)
	}

	intrc := intr.New()

	k := &Kernel{
		RAM:     ram,
		Frames:  frames,
		Engine:  engine,
		Sched:   s,
		Intr:    intrc,
		SBI:     fakeSBI,
		Log:     log,
		Quantum: time.Duration(quantumMS) * time.Millisecond,
		arena:   arena,
	}
	k.Disp = &syscalls.Dispatcher{
		Sched: s,
		Intr:  intrc,
		Console: func(b byte) error {
			k.console = append(k.console, b)
			return fakeSBI.ConsolePutChar(b)
		},
		ToKernel: func(phys uint64, n int) []byte { return ram.Slice(phys, n) },
	}
	return k, nil
}

// TimerTick is the supervisor-timer trap path on hart: it re-arms the SBI
// timer one quantum past now and rotates the hart's run queue if the
// current task's slice is spent. The returned TID (when switched is true)
// is whoever the trap-return path should resume.
func (k *Kernel) TimerTick(hart int, now uint64) (task.ID, bool) {
	ticks := uint64(k.Quantum) * timebaseHz / uint64(time.Second)
	_ = k.SBI.SetTimer(now + ticks)
	return k.Sched.Tick(hart)
}

// Close releases the simulated physical RAM arena.
func (k *Kernel) Close() error { return k.RAM.Close() }

// ConsoleBytes returns everything DebugPrint has written so far.
func (k *Kernel) ConsoleBytes() []byte {
	out := make([]byte, len(k.console))
	copy(out, k.console)
	return out
}

// Spawn creates a fresh address space and task, registers it with the
// scheduler on the given hart as Ready, and returns its TCB. priority feeds
// sched.PriorityFeedback when that policy is in use; RoundRobin ignores it.
func (k *Kernel) Spawn(hart int, parent task.ID, priority uint16) *task.Task {
	root := &pte.Table{}
	space := vmspace.New(k.Engine, k.Frames, root, 0x1000, userMax)
	tid := k.Sched.NewTID()
	t := task.New(tid, space, parent, priority)
	k.Sched.AddTask(hart, t)
	return t
}

// WriteUser copies data into t's address space at virt, failing if the
// range is not mapped with write permission; the hosted equivalent of a
// loader populating a freshly allocated region before first use.
func (k *Kernel) WriteUser(t *task.Task, virt uint64, data []byte) error {
	phys, perms, _, ok := t.AS.Engine().Translate(t.AS.Root(), virt)
	if !ok || perms&pte.PermW == 0 {
		return fmt.Errorf("kernelsim: %#x not writably mapped", virt)
	}
	copy(k.RAM.Slice(phys, len(data)), data)
	return nil
}

// ReadUser is WriteUser's mirror for read-only verification from test code
// standing in for a peer task's userspace.
func (k *Kernel) ReadUser(t *task.Task, virt uint64, n int) ([]byte, error) {
	phys, perms, _, ok := t.AS.Engine().Translate(t.AS.Root(), virt)
	if !ok || perms&pte.PermR == 0 {
		return nil, fmt.Errorf("kernelsim: %#x not readably mapped", virt)
	}
	return k.RAM.Slice(phys, n), nil
}

// InsertCapability gives t a capability over obj directly, the hosted
// stand-in for a boot-time grant that does not flow through a syscall
// (e.g. the initial console/MMIO capabilities a real boot hands the first
// task).
func (k *Kernel) InsertCapability(hart int, t *task.Task, kind captab.Kind, ref interface{}, rights captab.Rights) captab.Index {
	return t.Caps.Insert(hart, captab.NewObject(kind, ref), rights)
}

func main() {
	cmdline := flag.String("cmdline", "log.filter=info", "kernel command line")
	frames := flag.Int("frames", 4096, "simulated physical frame count")
	harts := flag.Int("harts", 1, "simulated hart count")
	flag.Parse()

	k, err := Boot(*cmdline, *frames, *harts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernelsim:", err)
		os.Exit(1)
	}
	defer k.Close()

	k.Log.ForHart(0).Infof("kernelsim booted: %d frames, %d hart(s)", *frames, *harts)
	root := k.Spawn(0, 0, 0)
	k.Log.ForHart(0).Infof("spawned initial task tid=%d", root.TID)
}
