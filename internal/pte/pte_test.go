package pte

import "testing"

// fakeAlloc is a minimal in-memory AllocTable: PPNs are simply slice
// indices into a backing arena of *Table pages.
type fakeAlloc struct {
	tables []*Table
}

func (f *fakeAlloc) NewTable() (*Table, uint64, error) {
	f.tables = append(f.tables, &Table{})
	return f.tables[len(f.tables)-1], uint64(len(f.tables) - 1), nil
}

func (f *fakeAlloc) FreeTable(ppn uint64) {
	f.tables[ppn] = nil
}

func (f *fakeAlloc) TableAt(ppn uint64) *Table {
	return f.tables[ppn]
}

func newEngine(userMax uint64) (*Engine, *fakeAlloc, *Table) {
	fa := &fakeAlloc{}
	root := &Table{}
	return New(fa, userMax), fa, root
}

func TestMapTranslateRoundTrip(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	virt := uint64(0x1000)
	phys := uint64(0x80000000)
	if err := e.Map(root, virt, phys, Size4K, PermR|PermW); err != nil {
		t.Fatalf("map: %v", err)
	}
	for off := uint64(0); off < Size4K.bytes(); off += 256 {
		p, perms, size, ok := e.Translate(root, virt+off)
		if !ok {
			t.Fatalf("translate at offset %#x: not mapped", off)
		}
		if p != phys+off {
			t.Fatalf("translation fidelity violated: got %#x want %#x", p, phys+off)
		}
		if perms != (PermR | PermW) {
			t.Fatalf("perms mismatch: got %v", perms)
		}
		if size != Size4K {
			t.Fatalf("size mismatch: got %v", size)
		}
	}
}

func TestMapRejectsWriteWithoutRead(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1000, 0x80000000, Size4K, PermW); err != ErrPermInvalid {
		t.Fatalf("expected ErrPermInvalid, got %v", err)
	}
}

func TestMapRejectsMisalignment(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1001, 0x80000000, Size4K, PermR); err != ErrBadAlign {
		t.Fatalf("expected ErrBadAlign, got %v", err)
	}
}

func TestMapRejectsDoubleMap(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1000, 0x80000000, Size4K, PermR); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if err := e.Map(root, 0x1000, 0x80001000, Size4K, PermR); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped, got %v", err)
	}
}

func TestMapRejectsCrossingUserKernelSplit(t *testing.T) {
	userMax := uint64(3) << 20 // 3 MiB: not 2 MiB-aligned
	e, _, root := newEngine(userMax)
	// A 2 MiB-aligned leaf at 2 MiB straddles the 3 MiB split.
	if err := e.Map(root, 1<<21, 0x80000000, Size2M, PermR); err != ErrCrossesSplit {
		t.Fatalf("expected ErrCrossesSplit, got %v", err)
	}
}

func TestUnmapOfUnmappedIsNoopAndFalse(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	_, _, ok := e.Unmap(root, 0x5000)
	if ok {
		t.Fatalf("expected unmap of never-mapped address to report ok=false")
	}
}

func TestUnmapRemovesMappingAndFreesEmptyTables(t *testing.T) {
	e, fa, root := newEngine(1 << 38)
	virt := uint64(0x40000000) // distinct VPN2/VPN1/VPN0 path
	if err := e.Map(root, virt, 0x90000000, Size4K, PermR); err != nil {
		t.Fatalf("map: %v", err)
	}
	tablesBefore := len(fa.tables)
	if tablesBefore == 0 {
		t.Fatalf("expected intermediate tables to have been allocated")
	}

	phys, size, ok := e.Unmap(root, virt)
	if !ok {
		t.Fatalf("expected unmap to succeed")
	}
	if phys != 0x90000000 || size != Size4K {
		t.Fatalf("unmap returned wrong phys/size: %#x/%v", phys, size)
	}

	if _, _, _, ok := e.Translate(root, virt); ok {
		t.Fatalf("translate should fail after unmap")
	}

	for _, tbl := range fa.tables {
		if tbl == nil {
			continue
		}
		for _, ent := range tbl {
			if ent != 0 {
				t.Fatalf("expected emptied intermediate tables to be pruned")
			}
		}
	}
}

func TestResolveUserFailsClosedOnGap(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1000, 0x80000000, Size4K, PermR); err != nil {
		t.Fatalf("map: %v", err)
	}
	backing := make([]byte, 0x4000)
	toKernel := func(phys uint64, n int) []byte {
		off := phys - 0x80000000
		return backing[off : off+uint64(n)]
	}
	// Request spans the single mapped page plus an unmapped one: must
	// fail closed with no partial result.
	if _, ok := e.ResolveUser(root, 0x1000, 0x2000, PermR, toKernel); ok {
		t.Fatalf("expected ResolveUser to fail closed across an unmapped gap")
	}
}

func TestResolveUserSucceedsWithinMappedRange(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1000, 0x80000000, Size4K, PermR); err != nil {
		t.Fatalf("map: %v", err)
	}
	backing := make([]byte, 0x1000)
	for i := range backing {
		backing[i] = byte(i)
	}
	toKernel := func(phys uint64, n int) []byte {
		off := phys - 0x80000000
		return backing[off : off+uint64(n)]
	}
	got, ok := e.ResolveUser(root, 0x1000, 16, PermR, toKernel)
	if !ok {
		t.Fatalf("expected ResolveUser to succeed")
	}
	for i := 0; i < 16; i++ {
		if got[i] != byte(i) {
			t.Fatalf("byte %d: got %d want %d", i, got[i], i)
		}
	}
}

func TestResolveUserRejectsMissingPermission(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x1000, 0x80000000, Size4K, PermR); err != nil {
		t.Fatalf("map: %v", err)
	}
	toKernel := func(phys uint64, n int) []byte { return make([]byte, n) }
	if _, ok := e.ResolveUser(root, 0x1000, 16, PermW, toKernel); ok {
		t.Fatalf("expected ResolveUser to reject a write request against a read-only mapping")
	}
}

func TestWriteUserRoundTrip(t *testing.T) {
	e, _, root := newEngine(1 << 38)
	if err := e.Map(root, 0x2000, 0x81000000, Size4K, PermR|PermW); err != nil {
		t.Fatalf("map: %v", err)
	}
	backing := make([]byte, 0x1000)
	toKernel := func(phys uint64, n int) []byte {
		off := phys - 0x81000000
		return backing[off : off+uint64(n)]
	}
	data := []byte("hello, kernel")
	if !e.WriteUser(root, 0x2000, data, toKernel) {
		t.Fatalf("expected WriteUser to succeed")
	}
	if string(backing[:len(data)]) != "hello, kernel" {
		t.Fatalf("write did not land: %q", backing[:len(data)])
	}
}
