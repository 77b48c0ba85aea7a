// Package pfa implements the physical frame allocator: the kernel's single
// process-wide owner of every 4 KiB frame of RAM not claimed by the kernel
// image itself.
//
// Free frames are sharded into per-hart caches so that the common case, a
// single hart allocating and freeing 4 KiB frames, avoids the global
// free-list scan. Contiguous runs and refills of an empty per-hart cache
// fall back to the global list; frame status is always decided under the
// global lock, so a cached index can go stale and is revalidated on reuse.
package pfa

import (
	"fmt"
	"sync/atomic"

	"rvkernel/internal/kspin"
)

const (
	// FrameSize is the smallest unit the allocator hands out.
	FrameSize = 4096
	// PageShift is log2(FrameSize).
	PageShift = 12
)

// Align is a leaf mapping size the contiguous allocator understands.
type Align uint64

const (
	Align4K Align = 1 << 12
	Align2M Align = 1 << 21
	Align1G Align = 1 << 30
)

// Frame identifies a physical 4 KiB frame by its physical address, which is
// always frame-aligned.
type Frame uint64

// Status is the single-owner state every frame is in. A frame is always in
// exactly one state; free+kernel+task+reserved sums to the managed total.
type Status int

const (
	StatusFree Status = iota
	StatusKernel
	StatusTask
	StatusReserved
)

// Range is a half-open, page-aligned physical address interval.
type Range struct {
	Base Frame
	Len  uint64 // bytes
}

// ErrOutOfMemory is returned when no single frame is available.
var ErrOutOfMemory = fmt.Errorf("pfa: out of memory")

// ErrUnavailable is returned when no contiguous run of the requested size
// and alignment is available.
var ErrUnavailable = fmt.Errorf("pfa: no contiguous run available")

const maxHarts = 64

// percpuCap bounds each hart's local free-list cache; beyond it, freed
// frames spill to the global free list so no single hart can hoard RAM.
const percpuCap = 32

type percpu struct {
	lock  kspin.Checked
	free  []uint32 // indices, LIFO
}

// Allocator is the single process-wide physical frame allocator.
type Allocator struct {
	lock kspin.Checked

	startFrame uint32 // frame index of the first managed frame
	status     []Status
	refcnt     []int32
	free       []uint32 // global free stack of indices, protected by lock

	percpu [maxHarts]percpu

	total    int
	usedTask int64 // atomic
	usedKrnl int64 // atomic

	// OOM is posted to whenever AllocOne/AllocContiguous fails; a listener
	// (e.g. a lazy-fault retry loop) can drain it to back off instead of
	// busy-retrying.
	OOM chan OOM
}

// OOM describes a failed allocation request so a listener can decide
// whether reclaiming memory and retrying makes sense.
type OOM struct {
	Need   int
	Resume chan struct{}
}

// New constructs an Allocator over the given total frame count, with
// startFrame as the physical frame index of the first managed frame (i.e.
// physical address startFrame*FrameSize). reserved ranges (kernel image,
// device tree, initramfs) are marked StatusReserved; everything else usable
// starts StatusFree.
func New(startFrame uint32, totalFrames int, reserved []Range) *Allocator {
	a := &Allocator{
		lock:       *kspin.NewChecked(kspin.LevelPFA),
		startFrame: startFrame,
		status:     make([]Status, totalFrames),
		refcnt:     make([]int32, totalFrames),
		total:      totalFrames,
		OOM:        make(chan OOM, 1),
	}
	for i := range a.percpu {
		a.percpu[i].lock = *kspin.NewChecked(kspin.LevelPFA)
	}
	for _, r := range reserved {
		lo := a.index(r.Base)
		hi := lo + uint32(r.Len/FrameSize)
		for i := lo; i < hi && int(i) < totalFrames; i++ {
			a.status[i] = StatusReserved
		}
	}
	for i := totalFrames - 1; i >= 0; i-- {
		if a.status[i] == StatusFree {
			a.free = append(a.free, uint32(i))
		}
	}
	return a
}

func (a *Allocator) index(f Frame) uint32 {
	return uint32(uint64(f)>>PageShift) - a.startFrame
}

func (a *Allocator) frameOf(idx uint32) Frame {
	return Frame(uint64(idx+a.startFrame) << PageShift)
}

// AllocOne returns a single free frame, preferring this hart's local cache.
func (a *Allocator) AllocOne(hart int) (Frame, error) {
	pc := &a.percpu[hart%maxHarts]
	for {
		pc.lock.Lock(hart)
		n := len(pc.free)
		if n == 0 {
			pc.lock.Unlock(hart)
			break
		}
		idx := pc.free[n-1]
		pc.free = pc.free[:n-1]
		pc.lock.Unlock(hart)

		// A contiguous allocation may have claimed this frame out from
		// under the cache; the status check under the global lock decides
		// ownership, and a stale index is simply dropped.
		a.lock.Lock(hart)
		if a.status[idx] == StatusFree {
			a.status[idx] = StatusTask
			a.lock.Unlock(hart)
			atomic.AddInt64(&a.usedTask, 1)
			return a.frameOf(idx), nil
		}
		a.lock.Unlock(hart)
	}

	a.lock.Lock(hart)
	defer a.lock.Unlock(hart)
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.status[idx] = StatusTask
		atomic.AddInt64(&a.usedTask, 1)
		return a.frameOf(idx), nil
	}
	a.notifyOOM(1)
	return 0, ErrOutOfMemory
}

func (a *Allocator) notifyOOM(need int) {
	select {
	case a.OOM <- OOM{Need: need, Resume: make(chan struct{})}:
	default:
	}
}

// AllocContiguous finds a first-fit run of n frames aligned to align,
// scanning the global bitmap in ascending index order.
func (a *Allocator) AllocContiguous(hart int, n int, align Align) (Frame, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pfa: bad contiguous count %d", n)
	}
	step := uint32(uint64(align) / FrameSize)

	a.lock.Lock(hart)
	defer a.lock.Unlock(hart)

	for start := uint32(0); int(start)+n <= a.total; start += step {
		if start%step != 0 {
			continue
		}
		ok := true
		for i := start; i < start+uint32(n); i++ {
			if a.status[i] != StatusFree {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for i := start; i < start+uint32(n); i++ {
			a.status[i] = StatusTask
			a.removeFromFreeLocked(hart, i)
		}
		atomic.AddInt64(&a.usedTask, int64(n))
		return a.frameOf(start), nil
	}
	a.notifyOOM(n)
	return 0, ErrUnavailable
}

// removeFromFreeLocked purges idx from wherever it currently sits: the
// global free stack, or, since Dealloc spills freed frames into the
// depositing hart's local cache before they reach the global list, any
// hart's percpu cache. Called with a.lock already held.
func (a *Allocator) removeFromFreeLocked(hart int, idx uint32) {
	for i, v := range a.free {
		if v == idx {
			a.free = append(a.free[:i], a.free[i+1:]...)
			return
		}
	}
	for h := range a.percpu {
		pc := &a.percpu[h]
		pc.lock.Lock(hart)
		for i, v := range pc.free {
			if v == idx {
				pc.free = append(pc.free[:i], pc.free[i+1:]...)
				pc.lock.Unlock(hart)
				return
			}
		}
		pc.lock.Unlock(hart)
	}
}

// RefUp increments a frame's sharing refcount, taken whenever a grant
// installs the same physical frames into a second address space.
func (a *Allocator) RefUp(f Frame) {
	idx := a.index(f)
	if a.status[idx] == StatusFree {
		panic("pfa: refup on a free frame")
	}
	atomic.AddInt32(&a.refcnt[idx], 1)
}

// Dealloc returns frame to the free pool, or simply drops one sharing
// reference if other address spaces still hold it. A double-free (freeing
// an already-free frame) is a fatal programming error and halts the hart
// rather than silently corrupting the free list.
func (a *Allocator) Dealloc(hart int, f Frame, scrub bool) {
	idx := a.index(f)

	a.lock.Lock(hart)
	if a.status[idx] == StatusFree {
		a.lock.Unlock(hart)
		kspin.Fatal(hart, fmt.Sprintf("pfa: double free of frame %#x", uint64(f)))
		return
	}
	if atomic.LoadInt32(&a.refcnt[idx]) > 0 {
		atomic.AddInt32(&a.refcnt[idx], -1)
		a.lock.Unlock(hart)
		return
	}
	wasTask := a.status[idx] == StatusTask
	a.status[idx] = StatusFree
	a.lock.Unlock(hart)

	pc := &a.percpu[hart%maxHarts]
	pc.lock.Lock(hart)
	if len(pc.free) < percpuCap {
		pc.free = append(pc.free, idx)
		pc.lock.Unlock(hart)
	} else {
		pc.lock.Unlock(hart)
		a.lock.Lock(hart)
		a.free = append(a.free, idx)
		a.lock.Unlock(hart)
	}

	if scrub {
		Zero(f)
	}
	if wasTask {
		atomic.AddInt64(&a.usedTask, -1)
	} else {
		atomic.AddInt64(&a.usedKrnl, -1)
	}
}

// SetUsed marks a frame allocated to the kernel directly; used only during
// boot-time reservation, before the allocator is handed to tasks.
func (a *Allocator) SetUsed(f Frame) {
	idx := a.index(f)
	a.lock.Lock(0)
	defer a.lock.Unlock(0)
	a.status[idx] = StatusKernel
	a.removeFromFreeLocked(0, idx)
	atomic.AddInt64(&a.usedKrnl, 1)
}

// SetUnused reverts a boot-time reservation back to free.
func (a *Allocator) SetUnused(f Frame) {
	idx := a.index(f)
	a.lock.Lock(0)
	defer a.lock.Unlock(0)
	if a.status[idx] == StatusKernel {
		atomic.AddInt64(&a.usedKrnl, -1)
	}
	a.status[idx] = StatusFree
	a.free = append(a.free, idx)
}

// Counts returns (free, kernel, task, reserved) frame counts. Their sum
// always equals the total managed frame count; this is the frame
// conservation invariant the test suite checks after every operation.
func (a *Allocator) Counts(hart int) (free, kernel, task, reserved int) {
	// status is the single source of truth for every frame's state
	// regardless of which free list (global or a percpu cache) currently
	// holds its index, so a plain scan here never double-counts a frame
	// that happens to be cached on some hart.
	a.lock.Lock(hart)
	defer a.lock.Unlock(hart)
	for _, s := range a.status {
		switch s {
		case StatusFree:
			free++
		case StatusKernel:
			kernel++
		case StatusTask:
			task++
		case StatusReserved:
			reserved++
		}
	}
	return
}

// Zero overwrites the frame's backing bytes. Used directly by Dealloc when
// the caller asked for ZeroOnDrop scrubbing, and exposed for callers that
// scrub proactively.
var Zero = func(Frame) {
	// Replaced by the hosting HAL with an implementation that writes
	// through the direct map; the default is a no-op so pure allocator
	// unit tests don't need a backing memory arena.
}
