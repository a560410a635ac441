//go:build linux && amd64

package hypervisor

import "unsafe"

// x86_64 page-table entry flags (Intel SDM vol 3A, table 4-19/4-20).
const (
	pteP   = 1 << 0 // present
	pteRW  = 1 << 1 // read/write
	pteUS  = 1 << 2 // user/supervisor
	pteWT  = 1 << 3 // write-through
	pteCD  = 1 << 4 // cache disable
	pteA   = 1 << 5 // accessed
	pteD   = 1 << 6 // dirty (leaf only)
	ptePS  = 1 << 7 // page size (PDPT/PD leaf)
	pteG   = 1 << 8 // global

	pteAddrMask = 0x000ffffffffff000
)

const (
	pageSizeBits = 12
	pageShift    = pageSizeBits

	entriesPerTable = 512
	tableSize       = entriesPerTable * 8
)

// kernelAreaLayout places the root page-table pages, GDT, and IDT at fixed
// guest-physical offsets, mirroring the fixed kernel-area layout tinykvm
// builds ahead of the user image.
const (
	kernelAreaBase = 0x1000

	pml4Offset = kernelAreaBase
	pdptOffset = pml4Offset + 0x1000
	pdOffset   = pdptOffset + 0x1000
	ptOffset   = pdOffset + 0x1000

	gdtOffset = ptOffset + 0x3000 // room for a handful of PT pages
	idtOffset = gdtOffset + 0x1000

	kernelAreaEnd = idtOffset + 0x1000
)

// pageTableBuilder is a thin view over a GuestMemory's page-table area.
// Its cursor (GuestMemory.nextTablePhys) is shared across every builder
// instance for the same machine, since intermediate tables are allocated
// lazily both at setup and later from the fault path.
type pageTableBuilder struct {
	mem      *GuestMemory
	rootPhys uint64
}

func newPageTableBuilder(mem *GuestMemory) *pageTableBuilder {
	mem.rootTablePhys = pml4Offset
	mem.nextTablePhys = kernelAreaEnd
	return &pageTableBuilder{mem: mem, rootPhys: pml4Offset}
}

func (b *pageTableBuilder) allocTablePage() (uint64, error) {
	m := b.mem
	if m.nextTablePhys+0x1000 > kernelAreaEnd {
		return 0, &BoundsExceeded{Reason: "out of reserved kernel-area space for page tables"}
	}
	phys := m.nextTablePhys
	m.nextTablePhys += 0x1000
	clear(m.host[phys : phys+0x1000])
	return phys, nil
}

// entriesAt returns a live [512]uint64 view directly over the table page's
// backing bytes; writes through this slice are writes to guest memory.
func (b *pageTableBuilder) entriesAt(phys uint64) []uint64 {
	base := unsafe.Pointer(&b.mem.host[phys])
	return unsafe.Slice((*uint64)(base), entriesPerTable)
}

// mapPage installs a single 4 KiB leaf mapping gva -> gpa with the given
// PTE flags, allocating any missing intermediate table levels.
func (b *pageTableBuilder) mapPage(gva, gpa uint64, flags uint64) error {
	pml4i := (gva >> 39) & 0x1ff
	pdpti := (gva >> 30) & 0x1ff
	pdi := (gva >> 21) & 0x1ff
	pti := (gva >> 12) & 0x1ff

	pml4 := b.entriesAt(b.rootPhys)
	pdptPhys, err := b.descend(pml4, pml4i, flags)
	if err != nil {
		return err
	}
	pdpt := b.entriesAt(pdptPhys)
	pdPhys, err := b.descend(pdpt, pdpti, flags)
	if err != nil {
		return err
	}
	pd := b.entriesAt(pdPhys)
	ptPhys, err := b.descend(pd, pdi, flags)
	if err != nil {
		return err
	}
	pt := b.entriesAt(ptPhys)
	pt[pti] = (gpa & pteAddrMask) | flags | pteP
	return nil
}

// descend returns the physical address of the next-level table referenced
// by entries[idx], allocating and linking a fresh table if absent.
func (b *pageTableBuilder) descend(entries []uint64, idx uint64, leafFlags uint64) (uint64, error) {
	if entries[idx]&pteP != 0 {
		return entries[idx] & pteAddrMask, nil
	}
	phys, err := b.allocTablePage()
	if err != nil {
		return 0, err
	}
	// Intermediate levels are always present|rw; user/global bits are only
	// meaningful on the leaf and are narrowed there.
	linkFlags := uint64(pteP | pteRW)
	if leafFlags&pteUS != 0 {
		linkFlags |= pteUS
	}
	entries[idx] = (phys & pteAddrMask) | linkFlags
	return phys, nil
}
