package vmspace

import (
	"testing"

	"rvkernel/internal/captab"
	"rvkernel/internal/pfa"
	"rvkernel/internal/pte"
)

const hart = 0

const userMax = uint64(1) << 38

func newSpace(t *testing.T, nFrames int) (*Space, *pfa.Allocator) {
	t.Helper()
	frames := pfa.New(0, nFrames, nil)
	eng := pte.New(&tableAlloc{frames: frames}, userMax)
	root := &pte.Table{}
	return New(eng, frames, root, 0x1000, userMax), frames
}

// tableAlloc backs pte.Engine with page-sized Go-allocated tables; it does
// not actually consume pfa frames for table pages, keeping the frame-count
// assertions in these tests focused on region frames only.
type tableAlloc struct {
	frames *pfa.Allocator
	tables []*pte.Table
}

func (ta *tableAlloc) NewTable() (*pte.Table, uint64, error) {
	ta.tables = append(ta.tables, &pte.Table{})
	return ta.tables[len(ta.tables)-1], uint64(len(ta.tables) - 1), nil
}
func (ta *tableAlloc) FreeTable(ppn uint64)    { ta.tables[ppn] = nil }
func (ta *tableAlloc) TableAt(ppn uint64) *pte.Table { return ta.tables[ppn] }

func TestAllocNoOverlap(t *testing.T) {
	s, _ := newSpace(t, 64)
	b1, err := s.Alloc(hart, 8192, 0, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	b2, err := s.Alloc(hart, 4096, 0, pte.PermR, 0)
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	regions := s.Regions(hart)
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			r1, r2 := regions[i], regions[j]
			if r1.Base+r1.Len > r2.Base && r2.Base+r2.Len > r1.Base {
				t.Fatalf("regions overlap: %+v / %+v", r1, r2)
			}
		}
	}
	if b2 < b1+8192 {
		t.Fatalf("second region base %#x should land after first region's end", b2)
	}
}

func TestAllocRejectsZeroLength(t *testing.T) {
	s, _ := newSpace(t, 64)
	if _, err := s.Alloc(hart, 0, 0, pte.PermR, 0); err != ErrBadLen {
		t.Fatalf("expected ErrBadLen, got %v", err)
	}
}

func TestAllocRejectsWriteWithoutRead(t *testing.T) {
	s, _ := newSpace(t, 64)
	if _, err := s.Alloc(hart, 4096, 0, pte.PermW, 0); err != ErrBadPerms {
		t.Fatalf("expected ErrBadPerms, got %v", err)
	}
}

func TestAllocNoSpaceWhenExhausted(t *testing.T) {
	s, _ := newSpace(t, 64)
	s.userMax = 0x1000 + 4096 // only room for one page
	if _, err := s.Alloc(hart, 4096, 0, pte.PermR, 0); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := s.Alloc(hart, 4096, 0, pte.PermR, 0); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestLazyAllocationFault(t *testing.T) {
	s, frames := newSpace(t, 64)
	freeBefore, _, _, _ := frames.Counts(hart)

	base, err := s.Alloc(hart, 16*4096, OptLazy, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	freeAfterAlloc, _, _, _ := frames.Counts(hart)
	if freeAfterAlloc != freeBefore {
		t.Fatalf("lazy region must not consume frames at alloc time: free went from %d to %d", freeBefore, freeAfterAlloc)
	}

	for i := 0; i < 16; i++ {
		if err := s.Fault(hart, base+uint64(i)*4096, true); err != nil {
			t.Fatalf("fault on page %d: %v", i, err)
		}
	}
	freeAfterFaults, _, _, _ := frames.Counts(hart)
	if freeBefore-freeAfterFaults != 16 {
		t.Fatalf("expected exactly 16 frames consumed by faults, got %d", freeBefore-freeAfterFaults)
	}

	// Re-faulting an already-populated page is a no-op, not a second
	// allocation (guards against a racing double-fault on the same page).
	if err := s.Fault(hart, base, true); err != nil {
		t.Fatalf("re-fault: %v", err)
	}
	freeAfterRefault, _, _, _ := frames.Counts(hart)
	if freeAfterRefault != freeAfterFaults {
		t.Fatalf("re-fault on populated page must not allocate again")
	}
}

func TestFaultOnNonLazyUnmappedKillsTask(t *testing.T) {
	s, _ := newSpace(t, 64)
	if err := s.Fault(hart, 0x5000, false); err == nil {
		t.Fatalf("expected an error for an unmapped access outside any region")
	}
}

func TestFaultWriteToReadOnlyRegionFails(t *testing.T) {
	s, _ := newSpace(t, 64)
	base, err := s.Alloc(hart, 4096, OptLazy, pte.PermR, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := s.Fault(hart, base, true); err == nil {
		t.Fatalf("expected write fault against a read-only lazy region to fail")
	}
}

func TestFreeReturnsFramesAndUnmaps(t *testing.T) {
	s, frames := newSpace(t, 64)
	freeBefore, _, _, _ := frames.Counts(hart)
	base, err := s.Alloc(hart, 8192, OptZero, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := s.Free(hart, base); err != nil {
		t.Fatalf("free: %v", err)
	}
	freeAfter, _, _, _ := frames.Counts(hart)
	if freeAfter != freeBefore {
		t.Fatalf("expected all frames returned: before=%d after=%d", freeBefore, freeAfter)
	}
	if len(s.Regions(hart)) != 0 {
		t.Fatalf("expected no regions after free")
	}
}

func TestFreeUnknownRegionIsNotOwned(t *testing.T) {
	s, _ := newSpace(t, 64)
	if err := s.Free(hart, 0x9999); err != ErrNotOwned {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

func TestRegionAtFindsAllocatedRegionByBase(t *testing.T) {
	s, _ := newSpace(t, 64)
	base, err := s.Alloc(hart, 4096, OptZero, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	r, ok := s.RegionAt(hart, base)
	if !ok || r.Base != base {
		t.Fatalf("expected RegionAt to find the allocated region at %#x, got %+v/%v", base, r, ok)
	}
	if _, ok := s.RegionAt(hart, base+4096); ok {
		t.Fatalf("expected no region at an address past the allocation")
	}
}

func TestGrantRejectsGrantWithoutRead(t *testing.T) {
	s, _ := newSpace(t, 64)
	other, _ := newSpace(t, 64)
	base, err := s.Alloc(hart, 4096, OptZero, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	var region *Region
	for _, r := range s.regions {
		if r.Base == base {
			region = r
		}
	}
	otherTable := captab.NewTable()
	_, err = s.Grant(hart, region, other, captab.RightGrant|captab.RightWrite, otherTable, 0)
	if err != ErrGrantRights {
		t.Fatalf("expected ErrGrantRights, got %v", err)
	}
}

func TestGrantInstallsSharedMappingVisibleToBothSpaces(t *testing.T) {
	s, _ := newSpace(t, 64)
	other, _ := newSpace(t, 64)
	base, err := s.Alloc(hart, 4096, OptZero, pte.PermR|pte.PermW, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	var region *Region
	for _, r := range s.regions {
		if r.Base == base {
			region = r
		}
	}
	otherTable := captab.NewTable()
	otherBase, err := s.Grant(hart, region, other, captab.RightRead|captab.RightWrite, otherTable, 0)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	phys1, _, _, ok1 := s.engine.Translate(s.root, base)
	phys2, _, _, ok2 := other.engine.Translate(other.root, otherBase)
	if !ok1 || !ok2 {
		t.Fatalf("expected both spaces to have the region mapped")
	}
	if phys1 != phys2 {
		t.Fatalf("grant should install the same physical frames: %#x != %#x", phys1, phys2)
	}
}
