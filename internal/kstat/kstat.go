// Package kstat implements a fixed-field binary stat snapshot for the stat
// device named in the device numbering scheme (internal/captab), giving
// userspace a QueryMmioCap-adjacent read-only view of a device's class,
// instance, size, and last-known state without a full driver round trip.
//
// Stat is a struct of plain fields with paired write accessors and a
// Bytes() method producing a fixed little-endian encoding for a single
// copy to userspace; encoding/binary keeps the layout explicit rather than
// depending on in-memory struct layout.
package kstat

import (
	"encoding/binary"

	"rvkernel/internal/captab"
)

// Size is the encoded length of a Stat in bytes.
const Size = 8 + 2 + 2 + 8 + 4

// Stat is a point-in-time snapshot of a device capability, as returned to
// a task that holds a KindMMIO or KindInterrupt capability and queries it.
type Stat struct {
	DevID    uint64
	Class    captab.DeviceClass
	Instance uint16
	Length   uint64 // MMIO window length, 0 for non-MMIO devices
	State    uint32 // driver-defined status word; degraded drivers set bit 0
}

// Wclass sets Class and recomputes DevID to stay consistent.
func (s *Stat) Wclass(class captab.DeviceClass, instance uint16) {
	s.Class = class
	s.Instance = instance
	s.DevID = uint64(captab.MkDevice(class, instance))
}

// Degraded reports whether the driver-defined state word's degraded bit is
// set. A driver that hit an error is left degraded rather than restarted.
func (s *Stat) Degraded() bool { return s.State&1 != 0 }

// Bytes encodes s into a fixed-size little-endian byte slice suitable for
// a single resolve_user-validated copy to userspace.
func (s *Stat) Bytes() []byte {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[0:8], s.DevID)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(s.Class))
	binary.LittleEndian.PutUint16(buf[10:12], s.Instance)
	binary.LittleEndian.PutUint64(buf[12:20], s.Length)
	binary.LittleEndian.PutUint32(buf[20:24], s.State)
	return buf
}

// Decode parses a previously encoded Stat, used by tests and by
// in-kernel consumers that received one over a channel rather than
// constructing it directly.
func Decode(buf []byte) Stat {
	var s Stat
	s.DevID = binary.LittleEndian.Uint64(buf[0:8])
	s.Class = captab.DeviceClass(binary.LittleEndian.Uint16(buf[8:10]))
	s.Instance = binary.LittleEndian.Uint16(buf[10:12])
	s.Length = binary.LittleEndian.Uint64(buf[12:20])
	s.State = binary.LittleEndian.Uint32(buf[20:24])
	return s
}
