// Package captab implements the per-task capability table: a sparse map
// from 32-bit descriptor indices to typed, rights-checked references to
// kernel objects.
//
// Storage is bucket-chained with per-bucket rwlocks: readers for lookup,
// writers for insert/delete. Each bucket's lock is a kspin.CheckedRW at
// LevelCapTable so an out-of-order acquisition against the scheduler/task/
// address-space/page-table/PFA chain is caught the same way it would be
// anywhere else in the kernel.
package captab

import (
	"fmt"
	"sync/atomic"

	"rvkernel/internal/kspin"
)

// Index is a capability descriptor's slot in its owning task's table.
type Index uint32

// Rights is the bitset a capability carries.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightExecute
)

// Kind tags what an Object refers to.
type Kind uint8

const (
	KindMemory Kind = iota
	KindChannelEndpoint
	KindMMIO
	KindInterrupt
	KindTask
)

// Object is the kernel-object reference a capability points to. Ref is one
// of *vmspace.Region, *ipc.Endpoint, an MMIO descriptor, etc.; captab does
// not know or care about the concrete type. The descriptor is typed, the
// kernel object behind it is not.
type Object struct {
	Kind Kind
	Ref  interface{}
	// refcount tracks how many capabilities (across all tables) point at
	// this object; the object's owner is responsible for acting on it
	// reaching zero (e.g. closing a channel). Shared via pointer so that
	// Transfer and Delete both observe/mutate the same count.
	refcount *int32
}

// NewObject wraps ref with a fresh refcount of 1, representing its first
// capability.
func NewObject(kind Kind, ref interface{}) Object {
	n := int32(1)
	return Object{Kind: kind, Ref: ref, refcount: &n}
}

// Capability is the 64-bit descriptor format: a type tag, rights, and an
// index into the owning task's table, packed so it can be returned to
// userspace as a single register value.
type Capability uint64

const (
	capIndexBits = 32
	capRightBits = 8
)

// Encode packs idx, kind and rights into the userspace-visible descriptor.
func Encode(idx Index, kind Kind, rights Rights) Capability {
	return Capability(uint64(idx) | uint64(kind)<<capIndexBits | uint64(rights)<<(capIndexBits+8))
}

// Decode unpacks a userspace-visible descriptor.
func Decode(c Capability) (idx Index, kind Kind, rights Rights) {
	idx = Index(uint32(c))
	kind = Kind(uint8(c >> capIndexBits))
	rights = Rights(uint8(c >> (capIndexBits + 8)))
	return
}

var (
	// ErrBadCapability is returned whenever a lookup fails, the kind
	// doesn't match, or the rights are insufficient.
	ErrBadCapability = fmt.Errorf("captab: bad capability")
)

const bucketCount = 64

type entry struct {
	idx   Index
	obj   Object
	right Rights
	next  *entry
}

type bucket struct {
	lock  kspin.CheckedRW
	first *entry
}

// Table is one task's sparse capability table.
type Table struct {
	buckets [bucketCount]*bucket
	nextIdx uint32 // atomic
}

// NewTable returns an empty capability table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = &bucket{lock: *kspin.NewCheckedRW(kspin.LevelCapTable)}
	}
	return t
}

func (t *Table) bucketFor(idx Index) *bucket {
	return t.buckets[uint32(idx)%bucketCount]
}

// Insert adds a brand-new object to the table at object birth and returns
// the fresh descriptor index assigned to it.
func (t *Table) Insert(hart int, obj Object, rights Rights) Index {
	idx := Index(atomic.AddUint32(&t.nextIdx, 1) - 1)
	b := t.bucketFor(idx)
	b.lock.Lock(hart)
	defer b.lock.Unlock(hart)
	b.first = &entry{idx: idx, obj: obj, right: rights, next: b.first}
	return idx
}

// Lookup validates idx against kind and the required rights, returning the
// referenced object on success or ErrBadCapability otherwise.
func (t *Table) Lookup(hart int, idx Index, wantKind Kind, need Rights) (Object, error) {
	b := t.bucketFor(idx)
	b.lock.RLock(hart)
	defer b.lock.RUnlock(hart)
	for e := b.first; e != nil; e = e.next {
		if e.idx == idx {
			if e.obj.Kind != wantKind || e.right&need != need {
				return Object{}, ErrBadCapability
			}
			return e.obj, nil
		}
	}
	return Object{}, ErrBadCapability
}

// LookupAny resolves idx without constraining its Kind, returning its
// rights alongside the object. Used by channel-send's capability-transfer
// path, which hands off whatever kind of object the caller names.
func (t *Table) LookupAny(hart int, idx Index) (Object, Rights, error) {
	b := t.bucketFor(idx)
	b.lock.RLock(hart)
	defer b.lock.RUnlock(hart)
	for e := b.first; e != nil; e = e.next {
		if e.idx == idx {
			return e.obj, e.right, nil
		}
	}
	return Object{}, 0, ErrBadCapability
}

// Delete removes idx from the table (explicit delete or implicit task
// death), decrementing the referenced object's refcount. It
// reports whether the object's refcount reached zero, so the caller can
// tear down the underlying kernel object (e.g. close a channel).
func (t *Table) Delete(hart int, idx Index) (obj Object, lastRef bool, err error) {
	b := t.bucketFor(idx)
	b.lock.Lock(hart)
	defer b.lock.Unlock(hart)
	var prev *entry
	for e := b.first; e != nil; e = e.next {
		if e.idx == idx {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			remaining := atomic.AddInt32(e.obj.refcount, -1)
			return e.obj, remaining == 0, nil
		}
		prev = e
	}
	return Object{}, false, ErrBadCapability
}

// Transfer copies obj's kernel-object reference into dst under a fresh
// descriptor, incrementing the shared refcount. This is the only path by
// which a capability becomes visible in a second task, preserving
// confinement: dst never sees a's index space and a's later Delete of its
// own copy leaves dst's copy intact (both hold independent indices pointing
// at the same refcounted Object).
func Transfer(hart int, dst *Table, obj Object, rights Rights) Index {
	atomic.AddInt32(obj.refcount, 1)
	return dst.Insert(hart, obj, rights)
}

// DeviceClass enumerates the self-describing device kinds QueryMmioCap can
// hand back, packed major/minor style into a single device tag.
type DeviceClass uint16

const (
	DeviceConsole DeviceClass = iota + 1
	DeviceVirtioBlock
	DeviceVirtioNet
	DevicePLIC
	DeviceStat
)

// MkDevice packs a device class and instance number into one word.
func MkDevice(class DeviceClass, instance uint16) uint32 {
	return uint32(class)<<16 | uint32(instance)
}

// UnmkDevice is MkDevice's inverse.
func UnmkDevice(d uint32) (DeviceClass, uint16) {
	return DeviceClass(d >> 16), uint16(d)
}
