// Package vmspace implements the per-task address space manager: an
// ordered, non-overlapping list of named regions backed by anonymous
// zero-fill, shared frames, or MMIO, layered over the page-table engine in
// internal/pte.
//
// The space lock is held across page-fault handling so a concurrent unmap
// cannot race a lazy fill; backing frames are refcounted so shared-memory
// grants can alias them across spaces.
package vmspace

import (
	"fmt"
	"sort"

	"rvkernel/internal/captab"
	"rvkernel/internal/kspin"
	"rvkernel/internal/kutil"
	"rvkernel/internal/pfa"
	"rvkernel/internal/pte"
)

// Options is the enumerated flag set a region or address space is created
// with.
type Options uint8

const (
	OptLargePage Options = 1 << iota
	OptZero
	OptZeroOnDrop
	OptLazy
	OptJobGroupAvailable
)

// Backing names what fills a region's pages.
type Backing int

const (
	BackingAnon Backing = iota
	BackingShared
	BackingMMIO
)

// Region is one entry in a task's address space.
type Region struct {
	Base    uint64
	Len     uint64
	Perms   pte.Perms
	Backing Backing
	Owner   captab.Index
	Opts    Options

	// frames backs BackingAnon/BackingShared regions once touched (or
	// eagerly, for non-Lazy regions); MMIO regions have no PFA-owned
	// frames at all.
	frames map[uint64]pfa.Frame // virtual page -> frame, keyed by page index within region
}

var (
	ErrNoSpace    = fmt.Errorf("vmspace: no space for region")
	ErrBadPerms   = fmt.Errorf("vmspace: bad permissions")
	ErrNotOwned   = fmt.Errorf("vmspace: region not owned by this space")
	ErrOverlaps   = fmt.Errorf("vmspace: region would overlap an existing one")
	ErrBadLen     = fmt.Errorf("vmspace: zero-length or misaligned region")
	ErrGrantRights = fmt.Errorf("vmspace: Grant right requires Read right")
)

// Space is one task's address space: its region list plus the page-table
// root that realises it.
type Space struct {
	lock kspin.Checked

	regions []*Region
	root    *pte.Table
	engine  *pte.Engine
	frames  *pfa.Allocator

	userBase uint64
	userMax  uint64
}

// New creates an empty address space over [userBase, userMax) of virtual
// memory, backed by the shared page-table engine and frame allocator.
func New(engine *pte.Engine, frames *pfa.Allocator, root *pte.Table, userBase, userMax uint64) *Space {
	return &Space{
		lock:     *kspin.NewChecked(kspin.LevelAddressSpace),
		engine:   engine,
		frames:   frames,
		root:     root,
		userBase: userBase,
		userMax:  userMax,
	}
}

// Root returns the address space's page-table root, for syscalls that need
// to pass it to pte.Engine.ResolveUser/WriteUser directly (e.g. DebugPrint,
// QueryMmioCap).
func (s *Space) Root() *pte.Table { return s.root }

// Engine returns the page-table engine backing this space.
func (s *Space) Engine() *pte.Engine { return s.engine }

func (s *Space) overlaps(base, length uint64) bool {
	end := base + length
	for _, r := range s.regions {
		if base < r.Base+r.Len && r.Base < end {
			return true
		}
	}
	return false
}

// Alloc reserves a new region of size bytes (rounded up to a page) with the
// given options and permissions, choosing the lowest unused virtual base
// above userBase. Frames are not populated unless OptZero is set without
// OptLazy (eager zero-fill); OptLazy defers population to the first fault.
func (s *Space) Alloc(hart int, size uint64, opts Options, perms pte.Perms, owner captab.Index) (uint64, error) {
	if size == 0 {
		return 0, ErrBadLen
	}
	size = kutil.Roundup(size, uint64(pfa.FrameSize))
	if perms&pte.PermW != 0 && perms&pte.PermR == 0 {
		return 0, ErrBadPerms
	}

	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)

	base, ok := s.firstFitLocked(size)
	if !ok {
		return 0, ErrNoSpace
	}
	r := &Region{Base: base, Len: size, Perms: perms, Backing: BackingAnon, Owner: owner, Opts: opts}
	if opts&OptZero != 0 && opts&OptLazy == 0 {
		if err := s.populateLocked(hart, r); err != nil {
			return 0, err
		}
	}
	s.insertLocked(r)
	return base, nil
}

// AllocMMIO maps a device's physical range into the space at a
// kernel-chosen virtual base. The caller is responsible for having already validated phys against the device-tree
// declared MMIO window set; this function only installs the mapping.
func (s *Space) AllocMMIO(hart int, phys pfa.Frame, length uint64, perms pte.Perms, owner captab.Index) (uint64, error) {
	if length == 0 || length%pfa.FrameSize != 0 {
		return 0, ErrBadLen
	}
	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)

	base, ok := s.firstFitLocked(length)
	if !ok {
		return 0, ErrNoSpace
	}
	for off := uint64(0); off < length; off += pfa.FrameSize {
		if err := s.engine.Map(s.root, base+off, uint64(phys)+off, pte.Size4K, perms); err != nil {
			return 0, err
		}
	}
	r := &Region{Base: base, Len: length, Perms: perms, Backing: BackingMMIO, Owner: owner}
	s.insertLocked(r)
	return base, nil
}

// Grant attaches the frames backing region into other's space under the
// given rights, returning the virtual base at which the region now appears
// in other's space. A KindMemory capability over the new region is
// installed in otherTable; its index is not returned.
// Grant without Read is rejected.
func (s *Space) Grant(hart int, region *Region, other *Space, rights captab.Rights, otherTable *captab.Table, otherOwner captab.Index) (uint64, error) {
	if rights&captab.RightGrant != 0 && rights&captab.RightRead == 0 {
		return 0, ErrGrantRights
	}
	s.lock.Lock(hart)
	if err := s.populateLocked(hart, region); err != nil {
		s.lock.Unlock(hart)
		return 0, err
	}
	frames := make(map[uint64]pfa.Frame, len(region.frames))
	for k, v := range region.frames {
		frames[k] = v
		s.frames.RefUp(v) // shared frames must survive either space's Free
	}
	s.lock.Unlock(hart)

	other.lock.Lock(hart)
	base, ok := other.firstFitLocked(region.Len)
	if !ok {
		other.lock.Unlock(hart)
		return 0, ErrNoSpace
	}
	perms := region.Perms
	if rights&captab.RightWrite == 0 {
		perms &^= pte.PermW
	}
	for pageIdx, f := range frames {
		if err := other.engine.Map(other.root, base+pageIdx*pfa.FrameSize, uint64(f), pte.Size4K, perms); err != nil {
			other.lock.Unlock(hart)
			return 0, err
		}
	}
	nr := &Region{Base: base, Len: region.Len, Perms: perms, Backing: BackingShared, Owner: otherOwner, frames: frames}
	other.insertLocked(nr)
	other.lock.Unlock(hart)
	// The capability table ranks above the address space in the kspin lock
	// order, so the capability is installed after other's lock is released.
	otherTable.Insert(hart, captab.NewObject(captab.KindMemory, nr), rights)
	return base, nil
}

// Free releases a region owned by this space, unmapping and returning its
// frames to the allocator.
func (s *Space) Free(hart int, base uint64) error {
	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)
	for i, r := range s.regions {
		if r.Base == base {
			if r.Backing != BackingMMIO {
				for pageIdx, f := range r.frames {
					_ = pageIdx
					scrub := r.Opts&OptZeroOnDrop != 0
					s.frames.Dealloc(hart, f, scrub)
				}
			}
			for off := uint64(0); off < r.Len; off += pfa.FrameSize {
				s.engine.Unmap(s.root, r.Base+off)
			}
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return ErrNotOwned
}

// Fault handles a page fault at addr. Unmapped access kills the task unless
// a Lazy region claims the fault, in which case the mapping is materialised
// and the caller should resume the task.
func (s *Space) Fault(hart int, addr uint64, write bool) error {
	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)
	r := s.findLocked(addr)
	if r == nil {
		return fmt.Errorf("vmspace: unmapped access at %#x kills the task", addr)
	}
	if write && r.Perms&pte.PermW == 0 {
		return fmt.Errorf("vmspace: write to read-only region at %#x kills the task", addr)
	}
	if r.Opts&OptLazy == 0 {
		return fmt.Errorf("vmspace: fault on non-lazy mapped region at %#x kills the task", addr)
	}
	pageIdx := (addr - r.Base) / pfa.FrameSize
	pageBase := r.Base + pageIdx*pfa.FrameSize
	if r.frames == nil {
		r.frames = map[uint64]pfa.Frame{}
	}
	if _, ok := r.frames[pageIdx]; ok {
		return nil // raced with another hart's fault on the same page
	}
	f, err := s.frames.AllocOne(hart)
	if err != nil {
		return err
	}
	if err := s.engine.Map(s.root, pageBase, uint64(f), pte.Size4K, r.Perms); err != nil {
		s.frames.Dealloc(hart, f, false)
		return err
	}
	r.frames[pageIdx] = f
	return nil
}

func (s *Space) populateLocked(hart int, r *Region) error {
	if r.frames == nil {
		r.frames = map[uint64]pfa.Frame{}
	}
	for pageIdx := uint64(0); pageIdx*pfa.FrameSize < r.Len; pageIdx++ {
		if _, ok := r.frames[pageIdx]; ok {
			continue
		}
		f, err := s.frames.AllocOne(hart)
		if err != nil {
			return err
		}
		if err := s.engine.Map(s.root, r.Base+pageIdx*pfa.FrameSize, uint64(f), pte.Size4K, r.Perms); err != nil {
			s.frames.Dealloc(hart, f, false)
			return err
		}
		r.frames[pageIdx] = f
	}
	return nil
}

// RegionAt returns the region covering base exactly, if any: the lookup
// Grant needs to turn a bare virtual address back into the *Region handle
// it shares across address spaces.
func (s *Space) RegionAt(hart int, base uint64) (*Region, bool) {
	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)
	for _, r := range s.regions {
		if r.Base == base {
			return r, true
		}
	}
	return nil, false
}

func (s *Space) findLocked(addr uint64) *Region {
	for _, r := range s.regions {
		if addr >= r.Base && addr < r.Base+r.Len {
			return r
		}
	}
	return nil
}

func (s *Space) firstFitLocked(size uint64) (uint64, bool) {
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
	cur := s.userBase
	for _, r := range s.regions {
		if r.Base-cur >= size {
			return cur, true
		}
		if r.Base+r.Len > cur {
			cur = r.Base + r.Len
		}
	}
	if s.userMax-cur >= size {
		return cur, true
	}
	return 0, false
}

func (s *Space) insertLocked(r *Region) {
	if s.overlaps(r.Base, r.Len) {
		panic("vmspace: insert would violate the no-overlap invariant")
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
}

// Regions returns a snapshot of the current region list, for introspection
// and testing.
func (s *Space) Regions(hart int) []Region {
	s.lock.Lock(hart)
	defer s.lock.Unlock(hart)
	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = *r
	}
	return out
}
