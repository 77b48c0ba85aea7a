// Package pte implements the Sv39 page-table engine: three levels of
// 512-entry tables, each indexed by a 9-bit VPN, translating a 39-bit
// virtual address space onto physical frames.
//
// Mappings may be leaf at any of the three levels (1 GiB, 2 MiB, 4 KiB);
// intermediate tables are materialised on demand through a pluggable
// AllocTable backend and freed again when unmapping empties them.
package pte

import (
	"fmt"
)

// PTE is one 64-bit Sv39 page-table entry.
type PTE uint64

// Sv39 permission and state bits (RISC-V privileged spec table 4.4).
const (
	BitV PTE = 1 << 0 // valid
	BitR PTE = 1 << 1 // readable
	BitW PTE = 1 << 2 // writable
	BitX PTE = 1 << 3 // executable
	BitU PTE = 1 << 4 // user-accessible
	BitG PTE = 1 << 5 // global
	BitA PTE = 1 << 6 // accessed
	BitD PTE = 1 << 7 // dirty
)

const (
	ppnShift = 10
	pageShift = 12
	vpnBits  = 9
	vpnMask  = (1 << vpnBits) - 1
)

// Perms is the permission subset a caller requests or a leaf entry grants.
type Perms uint8

const (
	PermR Perms = 1 << iota
	PermW
	PermX
	PermU
)

func (p Perms) bits() PTE {
	var b PTE
	if p&PermR != 0 {
		b |= BitR
	}
	if p&PermW != 0 {
		b |= BitW
	}
	if p&PermX != 0 {
		b |= BitX
	}
	if p&PermU != 0 {
		b |= BitU
	}
	return b
}

func fromBits(e PTE) Perms {
	var p Perms
	if e&BitR != 0 {
		p |= PermR
	}
	if e&BitW != 0 {
		p |= PermW
	}
	if e&BitX != 0 {
		p |= PermX
	}
	if e&BitU != 0 {
		p |= PermU
	}
	return p
}

// Size is a Sv39 leaf mapping granule.
type Size int

const (
	Size4K Size = 0
	Size2M Size = 1
	Size1G Size = 2
)

func (s Size) bytes() uint64 {
	switch s {
	case Size1G:
		return 1 << 30
	case Size2M:
		return 1 << 21
	default:
		return 1 << 12
	}
}

func (s Size) level() int {
	switch s {
	case Size1G:
		return 2
	case Size2M:
		return 1
	default:
		return 0
	}
}

// Table is a single 4 KiB page-table page: 512 eight-byte entries.
type Table [512]PTE

// AllocTable is satisfied by the frame allocator: the engine asks for a
// fresh zeroed table page whenever a walk needs to materialise an
// intermediate level.
type AllocTable interface {
	// NewTable returns a pointer to a freshly zeroed table and its
	// physical page number; the engine shifts it into a PTE's PPN field.
	NewTable() (*Table, uint64, error)
	// FreeTable releases a table page back to the allocator.
	FreeTable(ppn uint64)
	// TableAt returns the in-memory *Table backing the given PPN, via
	// whatever direct map the host maintains.
	TableAt(ppn uint64) *Table
}

var (
	ErrAlreadyMapped = fmt.Errorf("pte: already mapped")
	ErrPermInvalid   = fmt.Errorf("pte: invalid permission combination")
	ErrBadSize       = fmt.Errorf("pte: size must be 4K, 2M or 1G")
	ErrBadAlign      = fmt.Errorf("pte: address not aligned to size")
	ErrCrossesSplit  = fmt.Errorf("pte: mapping crosses the user/kernel split")
)

// vpn decomposes a 39-bit virtual address into (VPN2, VPN1, VPN0, offset).
func vpn(va uint64) (vpn2, vpn1, vpn0 uint64, off uint64) {
	vpn2 = (va >> 30) & vpnMask
	vpn1 = (va >> 21) & vpnMask
	vpn0 = (va >> 12) & vpnMask
	off = va & ((1 << pageShift) - 1)
	return
}

func ppnOf(e PTE) uint64 {
	return uint64(e) >> ppnShift
}

func leafOf(ppn uint64, perms PTE) PTE {
	return PTE(ppn<<ppnShift) | perms | BitV
}

// Engine walks and mutates a single address space's Sv39 tables.
type Engine struct {
	alloc AllocTable
	// UserMax is the first virtual address considered kernel-owned; any
	// map() call whose range would straddle this boundary is rejected.
	UserMax uint64
}

// New returns an Engine backed by the given table allocator, rejecting any
// mapping whose range straddles userMax.
func New(alloc AllocTable, userMax uint64) *Engine {
	return &Engine{alloc: alloc, UserMax: userMax}
}

// Map installs a leaf translation virt -> phys of the given size and
// permissions into root, materialising missing intermediate tables via the
// engine's allocator. ¬R ∧ W is invalid per Sv39 and rejected.
func (e *Engine) Map(root *Table, virt, phys uint64, size Size, perms Perms) error {
	if perms&PermW != 0 && perms&PermR == 0 {
		return ErrPermInvalid
	}
	gran := size.bytes()
	if virt%gran != 0 || phys%gran != 0 {
		return ErrBadAlign
	}
	if virt < e.UserMax && virt+gran > e.UserMax {
		return ErrCrossesSplit
	}

	vpn2, vpn1, vpn0, _ := vpn(virt)
	idxs := [3]uint64{vpn2, vpn1, vpn0}
	target := size.level()

	table := root
	for lvl := 2; lvl > target; lvl-- {
		idx := idxs[2-lvl]
		ent := table[idx]
		if ent&BitV == 0 {
			nt, nppn, err := e.alloc.NewTable()
			if err != nil {
				return err
			}
			table[idx] = PTE(nppn<<ppnShift) | BitV
			table = nt
		} else if ent&(BitR|BitW|BitX) != 0 {
			// a leaf already occupies this slot at a larger granule
			return ErrAlreadyMapped
		} else {
			table = e.alloc.TableAt(ppnOf(ent))
		}
	}

	idx := idxs[2-target]
	if table[idx]&BitV != 0 {
		return ErrAlreadyMapped
	}
	table[idx] = leafOf(phys>>pageShift, perms.bits())
	return nil
}

// Unmap removes the leaf mapping containing virt, if any, freeing any
// intermediate table that becomes empty as a result. It returns the
// physical address and size of the removed mapping, or ok=false if virt was
// not mapped, in which case it is a no-op with no side effects.
func (e *Engine) Unmap(root *Table, virt uint64) (phys uint64, size Size, ok bool) {
	vpn2, vpn1, vpn0, _ := vpn(virt)
	idxs := [3]uint64{vpn2, vpn1, vpn0}

	var path [3]*Table
	var pidx [3]uint64
	table := root
	depth := 0
	for lvl := 2; lvl >= 0; lvl-- {
		idx := idxs[2-lvl]
		path[depth] = table
		pidx[depth] = idx
		depth++
		ent := table[idx]
		if ent&BitV == 0 {
			return 0, 0, false
		}
		if ent&(BitR|BitW|BitX) != 0 {
			phys = ppnOf(ent) << pageShift
			size = Size(lvl)
			table[idx] = 0
			e.pruneEmpty(path, pidx, depth-1)
			return phys, size, true
		}
		table = e.alloc.TableAt(ppnOf(ent))
	}
	return 0, 0, false
}

func (e *Engine) pruneEmpty(path [3]*Table, pidx [3]uint64, fromDepth int) {
	for d := fromDepth; d >= 1; d-- {
		parent := path[d-1]
		childIdx := pidx[d-1]
		childEnt := parent[childIdx]
		childPPN := ppnOf(childEnt)
		child := e.alloc.TableAt(childPPN)
		empty := true
		for _, ent := range child {
			if ent&BitV != 0 {
				empty = false
				break
			}
		}
		if !empty {
			return
		}
		parent[childIdx] = 0
		e.alloc.FreeTable(childPPN)
	}
}

// Translate performs a pure walk, returning the mapping covering virt.
func (e *Engine) Translate(root *Table, virt uint64) (phys uint64, perms Perms, size Size, ok bool) {
	vpn2, vpn1, vpn0, _ := vpn(virt)
	idxs := [3]uint64{vpn2, vpn1, vpn0}

	table := root
	for lvl := 2; lvl >= 0; lvl-- {
		idx := idxs[2-lvl]
		ent := table[idx]
		if ent&BitV == 0 {
			return 0, 0, 0, false
		}
		if ent&(BitR|BitW|BitX) != 0 {
			base := ppnOf(ent) << pageShift
			sz := Size(lvl)
			mask := sz.bytes() - 1
			return base + (virt & mask), fromBits(ent), sz, true
		}
		table = e.alloc.TableAt(ppnOf(ent))
	}
	return 0, 0, 0, false
}

// ResolveUser validates that [virt, virt+len) is mapped in root with at
// least requiredPerms and, if so, returns the kernel-visible byte slice for
// it via toKernel (the caller's linear-map accessor). It fails closed: any
// gap or permission shortfall anywhere in the range rejects the whole
// request.
func (e *Engine) ResolveUser(root *Table, virt uint64, length int, required Perms, toKernel func(phys uint64, n int) []byte) ([]byte, bool) {
	if length <= 0 {
		return nil, false
	}
	end := virt + uint64(length)
	out := make([]byte, 0, length)
	for cur := virt; cur < end; {
		phys, perms, size, ok := e.Translate(root, cur)
		if !ok || perms&required != required {
			return nil, false
		}
		gran := size.bytes()
		base := cur &^ (gran - 1)
		avail := base + gran - cur
		n := int(avail)
		if uint64(n) > end-cur {
			n = int(end - cur)
		}
		chunk := toKernel(phys, n)
		out = append(out, chunk...)
		cur += uint64(n)
	}
	return out, true
}

// WriteUser validates that [virt, virt+len(data)) is mapped in root with
// at least PermW (and PermR, since Sv39 forbids ¬R ∧ W) and, if so, copies
// data into the kernel-visible backing returned by toKernel. Like
// ResolveUser it fails closed: any gap or permission shortfall anywhere in
// the range rejects the whole write with no partial copy performed.
func (e *Engine) WriteUser(root *Table, virt uint64, data []byte, toKernel func(phys uint64, n int) []byte) bool {
	if len(data) == 0 {
		return true
	}
	required := PermR | PermW
	end := virt + uint64(len(data))
	// Validate the whole range before touching any byte, so a gap in the
	// middle cannot leave a half-written prefix behind.
	for cur := virt; cur < end; {
		_, perms, size, ok := e.Translate(root, cur)
		if !ok || perms&required != required {
			return false
		}
		gran := size.bytes()
		base := cur &^ (gran - 1)
		avail := base + gran - cur
		if avail > end-cur {
			avail = end - cur
		}
		cur += avail
	}
	for cur := virt; cur < end; {
		phys, _, size, _ := e.Translate(root, cur)
		gran := size.bytes()
		base := cur &^ (gran - 1)
		avail := base + gran - cur
		n := int(avail)
		if uint64(n) > end-cur {
			n = int(end - cur)
		}
		dst := toKernel(phys, n)
		copy(dst, data[cur-virt:cur-virt+uint64(n)])
		cur += uint64(n)
	}
	return true
}
