// Package sbi wraps the opaque firmware boundary: timer and IPI requests,
// hart state management, system reset, and the legacy console. This
// package never issues an ecall itself (that instruction requires an
// assembly trampoline); it is the typed surface a real ecall shim or
// internal/hal/sim.FakeSBI implements.
package sbi

import "errors"

// ResetType enumerates system_reset's reset-type argument.
type ResetType uint32

const (
	ResetShutdown ResetType = iota
	ResetColdReboot
	ResetWarmReboot
	ResetPlatformSpecific
)

// ResetReason enumerates system_reset's reason argument.
type ResetReason uint32

const (
	ReasonNone ResetReason = iota
	ReasonSystemFailure
	ReasonSBISpecific
	ReasonPlatformSpecific
)

// HartStatus is hart_status's result enum.
type HartStatus int

const (
	HartStarted HartStatus = iota
	HartStopped
	HartStartRequestPending
	HartStopRequestPending
)

// ErrNotSupported is returned for an SBI extension the backing firmware
// (or internal/hal/sim.FakeSBI) does not implement.
var ErrNotSupported = errors.New("sbi: extension not supported")

// Caller is the SBI ecall boundary. Every method
// corresponds to one SBI extension call; a real implementation traps to
// M-mode via `ecall`, which this package does not and cannot express in
// portable Go.
type Caller interface {
	// SetTimer arms the next supervisor timer interrupt for stime (an
	// absolute mtime value).
	SetTimer(stime uint64) error

	// SendIPI delivers a software interrupt to every hart selected by
	// hartMask, interpreted relative to hartMaskBase (a 0 bit in position
	// i of hartMask means hart hartMaskBase+i is not targeted).
	SendIPI(hartMask uint64, hartMaskBase uint64) error

	// HartStart requests that hart id begin executing at entry with a0
	// set to private.
	HartStart(id int, entry uint64, private uint64) error
	// HartStop parks the calling hart; it never returns on success.
	HartStop() error
	// HartStatus queries another hart's state.
	HartStatus(id int) (HartStatus, error)

	// SystemReset requests the platform reset with the given type and
	// reason; it never returns on success.
	SystemReset(kind ResetType, reason ResetReason) error

	// ConsolePutChar/ConsoleGetChar are the legacy single-byte console
	// extension, the fallback console path.
	ConsolePutChar(b byte) error
	ConsoleGetChar() (byte, bool, error)
}
