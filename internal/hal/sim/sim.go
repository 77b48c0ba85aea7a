// Package sim is the pure-software backend for internal/hal and
// internal/sbi: a CSR register file, a trap-vector dispatcher driven by
// ordinary Go function calls instead of an assembly trampoline, a
// mmap-backed arena standing in for physical RAM, and a fake SBI caller
// good enough to drive the end-to-end scenarios under `go test` and
// cmd/kernelsim.
//
// The arena uses golang.org/x/sys/unix.Mmap/Mprotect, since the standard
// library does not expose raw memory-mapping syscalls portably.
package sim

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"rvkernel/internal/hal"
	"rvkernel/internal/sbi"
	"rvkernel/internal/task"
)

// RAM is an mmap-backed arena standing in for the physical address space a
// real boot would receive from the device tree.
type RAM struct {
	bytes []byte
}

// NewRAM mmaps an anonymous, zero-filled region of size bytes (rounded up
// to a host page) to back the simulated physical address space.
func NewRAM(size int) (*RAM, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sim: mmap ram: %w", err)
	}
	return &RAM{bytes: b}, nil
}

// Close unmaps the arena.
func (r *RAM) Close() error {
	return unix.Munmap(r.bytes)
}

// Slice returns a byte view of [phys, phys+n) in the arena, standing in
// for the kernel's direct map (phys2virt(p) = p + OFFSET).
func (r *RAM) Slice(phys uint64, n int) []byte {
	return r.bytes[phys : phys+uint64(n)]
}

// Len reports the arena's total simulated physical size.
func (r *RAM) Len() uint64 { return uint64(len(r.bytes)) }

// Protect changes the host-page protection over [phys, phys+n), used by
// tests that want to assert a simulated permission downgrade actually
// faults on out-of-bounds access.
func (r *RAM) Protect(phys uint64, n int, prot int) error {
	return unix.Mprotect(r.bytes[phys:phys+uint64(n)], prot)
}

// CSRFile is an in-memory stand-in for hal.CSRAccess.
type CSRFile struct {
	mu   sync.Mutex
	regs map[hal.CSR]uint64
}

// NewCSRFile returns a zeroed register file.
func NewCSRFile() *CSRFile {
	return &CSRFile{regs: map[hal.CSR]uint64{}}
}

func (c *CSRFile) ReadCSR(reg hal.CSR) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

func (c *CSRFile) WriteCSR(reg hal.CSR, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg] = value
}

var _ hal.CSRAccess = (*CSRFile)(nil)

// TrapDispatcher implements hal.TrapVector by directly invoking the
// registered handler as a Go function call, standing in for the assembly
// trap entry's save-frame-then-call-back contract.
type TrapDispatcher struct {
	mu      sync.Mutex
	handler func(hart int, frame *task.Frame)
}

func (d *TrapDispatcher) SetHandler(handle func(hart int, frame *task.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handle
}

// Trap simulates a hardware trap on hart: the harness calls this in place
// of what an ecall/interrupt would otherwise do, handing the saved frame
// to whatever handler is currently registered.
func (d *TrapDispatcher) Trap(hart int, frame *task.Frame) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(hart, frame)
	}
}

var _ hal.TrapVector = (*TrapDispatcher)(nil)

// FakeSBI implements sbi.Caller entirely in Go: timers are recorded rather
// than armed against a real mtimecmp, IPIs and hart start call back into
// caller-supplied hooks (OnIPI, OnHartStart) when one is set, and the
// console is a byte queue a test can inspect.
type FakeSBI struct {
	mu sync.Mutex

	timers map[int]uint64 // hart -> absolute stime

	ipiHook  func(hartMask, hartMaskBase uint64)
	hartHook func(id int, entry, private uint64) error

	hartStatus map[int]sbi.HartStatus

	console      []byte
	resetRequested bool
	lastResetKind  sbi.ResetType
	lastResetReason sbi.ResetReason
}

// NewFakeSBI returns a FakeSBI with nHarts tracked as Stopped except hart
// 0, which boots Started (matching a real boot's primary-hart handoff).
func NewFakeSBI(nHarts int) *FakeSBI {
	f := &FakeSBI{
		timers:     map[int]uint64{},
		hartStatus: map[int]sbi.HartStatus{},
	}
	for i := 0; i < nHarts; i++ {
		f.hartStatus[i] = sbi.HartStopped
	}
	f.hartStatus[0] = sbi.HartStarted
	return f
}

// OnIPI wires the callback invoked by SendIPI, normally the scheduler's
// hart-wake path.
func (f *FakeSBI) OnIPI(hook func(hartMask, hartMaskBase uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipiHook = hook
}

// OnHartStart wires the callback invoked by HartStart, normally the boot
// harness spawning a new simulated hart goroutine.
func (f *FakeSBI) OnHartStart(hook func(id int, entry, private uint64) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hartHook = hook
}

func (f *FakeSBI) SetTimer(stime uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[0] = stime
	return nil
}

func (f *FakeSBI) SendIPI(hartMask, hartMaskBase uint64) error {
	f.mu.Lock()
	hook := f.ipiHook
	f.mu.Unlock()
	if hook != nil {
		hook(hartMask, hartMaskBase)
	}
	return nil
}

func (f *FakeSBI) HartStart(id int, entry uint64, private uint64) error {
	f.mu.Lock()
	f.hartStatus[id] = sbi.HartStarted
	hook := f.hartHook
	f.mu.Unlock()
	if hook != nil {
		return hook(id, entry, private)
	}
	return nil
}

func (f *FakeSBI) HartStop() error {
	return nil
}

func (f *FakeSBI) HartStatus(id int) (sbi.HartStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.hartStatus[id]
	if !ok {
		return 0, sbi.ErrNotSupported
	}
	return s, nil
}

func (f *FakeSBI) SystemReset(kind sbi.ResetType, reason sbi.ResetReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetRequested = true
	f.lastResetKind = kind
	f.lastResetReason = reason
	return nil
}

// ResetRequested reports whether SystemReset was called, and with what
// arguments, for tests asserting a fatal-hart path requests a reset.
func (f *FakeSBI) ResetRequested() (bool, sbi.ResetType, sbi.ResetReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetRequested, f.lastResetKind, f.lastResetReason
}

func (f *FakeSBI) ConsolePutChar(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.console = append(f.console, b)
	return nil
}

func (f *FakeSBI) ConsoleGetChar() (byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.console) == 0 {
		return 0, false, nil
	}
	b := f.console[0]
	f.console = f.console[1:]
	return b, true, nil
}

// ConsoleBytes returns everything written to the console so far, for
// test assertions against DebugPrint output.
func (f *FakeSBI) ConsoleBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.console))
	copy(out, f.console)
	return out
}

var _ sbi.Caller = (*FakeSBI)(nil)
