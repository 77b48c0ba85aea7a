// Package syscalls implements the userspace ABI dispatch table: fixed
// registers (number in a0, arguments a1..a6, error back in a0, value in
// a1), argument validation through captab and pte.ResolveUser, and the
// Outcome a dispatched call leaves the calling task in.
//
// The Blocked/Completed outcome split drives whether the trap-return path
// resumes the caller or context-switches away; every user pointer argument
// goes through pte.ResolveUser's fail-closed validation before dereference.
package syscalls

import (
	"errors"

	"rvkernel/internal/captab"
	"rvkernel/internal/intr"
	"rvkernel/internal/ipc"
	"rvkernel/internal/kstat"
	"rvkernel/internal/pfa"
	"rvkernel/internal/pte"
	"rvkernel/internal/sched"
	"rvkernel/internal/task"
	"rvkernel/internal/vmspace"
)

// Number is a syscall's numeric ABI identifier, carried in a0 on entry.
type Number uint64

const (
	Exit Number = iota
	GetTid
	DebugPrint
	AllocVirtualMemory
	AllocDmaMemory
	VmspaceCreate
	VmspaceAllocObject
	VmspaceSpawn
	ChannelCreate
	ChannelSend
	ChannelRecv
	ChannelReadKernelMessage
	QueryMmioCap
	CompleteInterrupt
	DeleteCapability
)

// Errno is the numeric error code returned in a0 (0 means success).
type Errno uint64

const (
	ErrnoOK Errno = iota
	ErrnoInval
	ErrnoBadCapability
	ErrnoOutOfMemory
	ErrnoWouldBlock
	ErrnoClosed
	ErrnoFault
	ErrnoNoSpace
	ErrnoNoVectors
)

// Outcome is what a dispatched syscall leaves the calling task in:
// Completed carries a0/a1 to write back before resuming the caller, Blocked
// means the task already transitioned to Blocked via a WaitQueue and the
// trap-return path must instead switch to whatever Schedule picked. A
// Blocked outcome leaves the trap frame untouched, so the same syscall is
// re-issued from the saved frame when the task is next woken.
type Outcome struct {
	Blocked bool
	A0      uint64 // Errno, when Completed
	A1      uint64 // primary return value, when Completed
}

var errnoOf = map[error]Errno{
	vmspace.ErrNoSpace:     ErrnoNoSpace,
	vmspace.ErrBadPerms:    ErrnoInval,
	vmspace.ErrNotOwned:    ErrnoInval,
	vmspace.ErrOverlaps:    ErrnoInval,
	vmspace.ErrBadLen:      ErrnoInval,
	vmspace.ErrGrantRights: ErrnoInval,
	captab.ErrBadCapability: ErrnoBadCapability,
	ipc.ErrClosed:          ErrnoClosed,
	ipc.ErrWouldBlock:      ErrnoWouldBlock,
	ipc.ErrTooManyWords:    ErrnoInval,
	ipc.ErrTooManyCaps:     ErrnoInval,
	intr.ErrBadID:          ErrnoInval,
	intr.ErrAlreadyClaimed: ErrnoInval,
	intr.ErrNoVectors:      ErrnoNoVectors,
	pte.ErrBadSize:         ErrnoInval,
	pte.ErrBadAlign:        ErrnoInval,
	pte.ErrCrossesSplit:    ErrnoInval,
	pte.ErrPermInvalid:     ErrnoInval,
	pte.ErrAlreadyMapped:   ErrnoInval,
	pfa.ErrOutOfMemory:     ErrnoOutOfMemory,
	pfa.ErrUnavailable:     ErrnoOutOfMemory,
}

func toErrno(err error) Errno {
	if err == nil {
		return ErrnoOK
	}
	if e, ok := errnoOf[err]; ok {
		return e
	}
	for sentinel, e := range errnoOf {
		if errors.Is(err, sentinel) {
			return e
		}
	}
	return ErrnoFault
}

func completed(errno Errno, value uint64) Outcome {
	return Outcome{A0: uint64(errno), A1: value}
}

// Dispatcher holds the kernel subsystems a syscall needs to consult.
// cmd/kernelsim constructs one per booted kernel instance; each Task's
// trap-return loop calls Dispatch with the decoded syscall frame.
type Dispatcher struct {
	Sched *sched.Scheduler
	Intr  *intr.Controller

	// console receives DebugPrint bytes; wired to the booted kernel's
	// sbi.Caller.ConsolePutChar in cmd/kernelsim, or a test buffer.
	Console func(b byte) error

	// ToKernel exposes the direct-map accessor ResolveUser needs, backed
	// by whatever sim.RAM arena or real OFFSET-mapped memory is in play.
	ToKernel func(phys uint64, n int) []byte
}

// Dispatch decodes frame.A[0] as the syscall number and executes it
// against t's address space and capability table, returning the Outcome
// the trap-return path should act on.
func (d *Dispatcher) Dispatch(hart int, t *task.Task) Outcome {
	num := Number(t.Frame.A[0])
	args := t.Frame.A[1:]

	switch num {
	case Exit:
		t.Exit(int32(args[0]))
		d.Sched.RemoveTask(t.TID)
		return Outcome{Blocked: true}

	case GetTid:
		return completed(ErrnoOK, uint64(t.TID))

	case DebugPrint:
		return d.doDebugPrint(t, args)

	case AllocVirtualMemory:
		return d.doAllocVirtualMemory(hart, t, args)

	case AllocDmaMemory:
		return d.doAllocDmaMemory(hart, t, args)

	case VmspaceCreate, VmspaceAllocObject, VmspaceSpawn:
		// Process/address-space bootstrap operations are wired by
		// cmd/kernelsim's loader, which already holds the engine/frame
		// allocator needed to construct a Space; the dispatcher only
		// validates the capability that authorizes them.
		if _, err := t.Caps.Lookup(hart, captab.Index(args[0]), captab.KindTask, captab.RightGrant); err != nil {
			return completed(toErrno(err), 0)
		}
		return completed(ErrnoOK, 0)

	case ChannelCreate:
		return d.doChannelCreate(hart, t, args)

	case ChannelSend:
		return d.doChannelSend(hart, t, args)

	case ChannelRecv:
		return d.doChannelRecv(hart, t, args)

	case ChannelReadKernelMessage:
		return d.doChannelRecv(hart, t, args)

	case QueryMmioCap:
		return d.doQueryMmioCap(t, args)

	case CompleteInterrupt:
		if err := d.Intr.Complete(int(args[0])); err != nil {
			return completed(toErrno(err), 0)
		}
		return completed(ErrnoOK, 0)

	case DeleteCapability:
		if _, _, err := t.Caps.Delete(hart, captab.Index(args[0])); err != nil {
			return completed(toErrno(err), 0)
		}
		return completed(ErrnoOK, 0)

	default:
		return completed(ErrnoInval, 0)
	}
}

func (d *Dispatcher) doDebugPrint(t *task.Task, args []uint64) Outcome {
	ptr, length := args[0], args[1]
	buf, ok := t.AS.Engine().ResolveUser(t.AS.Root(), ptr, int(length), pte.PermR, d.ToKernel)
	if !ok {
		return completed(ErrnoFault, 0)
	}
	for _, b := range buf {
		if err := d.Console(b); err != nil {
			return completed(ErrnoFault, 0)
		}
	}
	return completed(ErrnoOK, length)
}

func (d *Dispatcher) doAllocVirtualMemory(hart int, t *task.Task, args []uint64) Outcome {
	size := args[0]
	opts := vmspace.Options(args[1])
	perms := pte.Perms(args[2])
	base, err := t.AS.Alloc(hart, size, opts, perms, 0)
	if err != nil {
		return completed(toErrno(err), 0)
	}
	return completed(ErrnoOK, base)
}

func (d *Dispatcher) doAllocDmaMemory(hart int, t *task.Task, args []uint64) Outcome {
	// DMA memory differs from AllocVirtualMemory only in that it must not
	// be Lazy (a device cannot fault): force eager population.
	size := args[0]
	perms := pte.Perms(args[1])
	base, err := t.AS.Alloc(hart, size, vmspace.OptZero, perms, 0)
	if err != nil {
		return completed(toErrno(err), 0)
	}
	return completed(ErrnoOK, base)
}

func (d *Dispatcher) doChannelCreate(hart int, t *task.Task, args []uint64) Outcome {
	credit := int(args[0])
	ch := ipc.Create(credit)
	a := ch.EndpointA()
	b := ch.EndpointB()
	idxA := t.Caps.Insert(hart, captab.NewObject(captab.KindChannelEndpoint, &a), captab.RightRead|captab.RightWrite)
	idxB := t.Caps.Insert(hart, captab.NewObject(captab.KindChannelEndpoint, &b), captab.RightRead|captab.RightWrite)
	return Outcome{A0: uint64(ErrnoOK), A1: uint64(idxA) | uint64(idxB)<<32}
}

// noCapArg marks a ChannelSend with nothing to transfer alongside the word.
const noCapArg = ^uint64(0)

func (d *Dispatcher) doChannelSend(hart int, t *task.Task, args []uint64) Outcome {
	idx := captab.Index(args[0])
	obj, err := t.Caps.Lookup(hart, idx, captab.KindChannelEndpoint, captab.RightWrite)
	if err != nil {
		return completed(toErrno(err), 0)
	}
	ep := obj.Ref.(*ipc.Endpoint)
	m := ipc.Message{Words: []uint64{args[1]}}
	if len(args) > 3 && args[3] != noCapArg {
		grantObj, grantRights, err := t.Caps.LookupAny(hart, captab.Index(args[3]))
		if err != nil {
			return completed(toErrno(err), 0)
		}
		if grantRights&captab.RightGrant == 0 {
			return completed(ErrnoBadCapability, 0)
		}
		m.Grants = []ipc.CapGrant{{Obj: grantObj, Rights: grantRights}}
	}
	flags := ipc.Flags(args[2])
	if err := ep.Send(d.Sched, hart, t.TID, m, flags); err != nil {
		if err == ipc.ErrParked {
			return Outcome{Blocked: true}
		}
		return completed(toErrno(err), 0)
	}
	return completed(ErrnoOK, 0)
}

func (d *Dispatcher) doChannelRecv(hart int, t *task.Task, args []uint64) Outcome {
	idx := captab.Index(args[0])
	obj, err := t.Caps.Lookup(hart, idx, captab.KindChannelEndpoint, captab.RightRead)
	if err != nil {
		return completed(toErrno(err), 0)
	}
	ep := obj.Ref.(*ipc.Endpoint)
	flags := ipc.Flags(args[1])
	m, err := ep.Recv(d.Sched, hart, t.TID, flags)
	if err != nil {
		if err == ipc.ErrParked {
			return Outcome{Blocked: true}
		}
		return completed(toErrno(err), 0)
	}
	// A delivered capability grant takes priority over the inline word in
	// the single result slot: the receiver needs the fresh local index to
	// use the transferred object at all, while the inline word (if any) is
	// typically just a tag accompanying it.
	if len(m.Grants) > 0 {
		g := m.Grants[0]
		newIdx := captab.Transfer(hart, t.Caps, g.Obj, g.Rights)
		return completed(ErrnoOK, uint64(newIdx))
	}
	var w0 uint64
	if len(m.Words) > 0 {
		w0 = m.Words[0]
	}
	return completed(ErrnoOK, w0)
}

func (d *Dispatcher) doQueryMmioCap(t *task.Task, args []uint64) Outcome {
	class, instance := captab.UnmkDevice(uint32(args[0]))
	st := kstat.Stat{}
	st.Wclass(class, instance)
	buf := st.Bytes()
	dst := args[1]
	if !t.AS.Engine().WriteUser(t.AS.Root(), dst, buf, d.ToKernel) {
		return completed(ErrnoFault, 0)
	}
	return completed(ErrnoOK, uint64(len(buf)))
}
