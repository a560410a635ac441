//go:build linux && amd64

package hypervisor

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached after the first call.
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned reports whether addr is a multiple of the page size.
func isPageAligned(addr uint64) bool {
	pageSize()
	return addr&cachedPageMask == 0
}

// memSlot is one HV-API-registered {guest-physical range, host pointer,
// read-only flag} mapping. Slots must not overlap in guest-physical space.
type memSlot struct {
	index     uint32
	guestPhys uint64
	size      uint64
	host      []byte
	readOnly  bool
}

func (s memSlot) contains(phys, length uint64) bool {
	return phys >= s.guestPhys && phys+length <= s.guestPhys+s.size
}

// GuestMemory owns a machine's guest-physical address space: the main
// region, the root page-table, a CoW memory bank, and the set of HV-API
// memory slots backing all of it.
type GuestMemory struct {
	vmFD uintptr

	physbase uint64
	size     uint64 // main region size
	host     []byte // mmap'd main region, length == size

	rootTablePhys uint64
	nextTablePhys uint64
	bank          *memoryBank

	mu            sync.Mutex
	slots         []memSlot
	nextSlotIndex uint32
	nextBankPhys  uint64

	mainWritable bool
}

func newGuestMemory(vmFD uintptr, size uint64, mainWritable bool) (*GuestMemory, error) {
	host, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, &HvApiFailure{Op: "mmap guest memory", Err: err}
	}
	gm := &GuestMemory{
		vmFD:         vmFD,
		size:         size,
		host:         host,
		mainWritable: mainWritable,
		nextBankPhys: size,
	}
	if _, err := gm.installMemory(0, host, !mainWritable); err != nil {
		unix.Munmap(host)
		return nil, err
	}
	gm.bank = newMemoryBank(gm, 0)
	newPageTableBuilder(gm)
	return gm, nil
}

func (m *GuestMemory) close() {
	if m.bank != nil {
		m.bank.release()
	}
	unix.Munmap(m.host)
}

// installMemory registers a new HV-API memory slot at guestPhys backed by
// host. Slots must not overlap.
func (m *GuestMemory) installMemory(guestPhys uint64, host []byte, readOnly bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := uint64(len(host))
	for _, s := range m.slots {
		if guestPhys < s.guestPhys+s.size && s.guestPhys < guestPhys+size {
			return 0, ErrSlotOverlap
		}
	}
	idx := m.nextSlotIndex
	m.nextSlotIndex++

	flags := uint32(0)
	if readOnly {
		flags = kvmMemReadonly
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          idx,
		Flags:         flags,
		GuestPhysAddr: guestPhys,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if _, err := ioctlPtr(m.vmFD, kvmSetUserMemRegion, unsafe.Pointer(&region)); err != nil {
		recordResourceError()
		return 0, &HvApiFailure{Op: "KVM_SET_USER_MEMORY_REGION", Err: err}
	}
	m.slots = append(m.slots, memSlot{index: idx, guestPhys: guestPhys, size: size, host: host, readOnly: readOnly})
	recordInstallSlot()
	return idx, nil
}

// deleteMemory detaches a previously installed slot.
func (m *GuestMemory) deleteMemory(idx uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.slots {
		if s.index != idx {
			continue
		}
		region := kvmUserspaceMemoryRegion{Slot: idx, GuestPhysAddr: s.guestPhys, MemorySize: 0}
		if _, err := ioctlPtr(m.vmFD, kvmSetUserMemRegion, unsafe.Pointer(&region)); err != nil {
			return &HvApiFailure{Op: "KVM_SET_USER_MEMORY_REGION (delete)", Err: err}
		}
		m.slots = append(m.slots[:i], m.slots[i+1:]...)
		recordDeleteSlot()
		return nil
	}
	return nil
}

// hostAt resolves a guest-physical range to a host byte slice, provided the
// whole range lies within a single installed slot.
func (m *GuestMemory) hostAt(phys, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.contains(phys, length) {
			off := phys - s.guestPhys
			return s.host[off : off+length], nil
		}
	}
	return nil, &ProtectionViolation{Address: phys, Reason: "address not backed by any installed memory slot"}
}

// pteAt returns a live pointer to the leaf page-table entry for va,
// allocating missing intermediate levels (and the leaf itself, left
// not-present) when alloc is true.
func (m *GuestMemory) pteAt(va uint64, alloc bool) (*uint64, error) {
	b := &pageTableBuilder{mem: m, rootPhys: m.rootTablePhys}
	// b.mem.nextTablePhys carries the shared allocation cursor; b itself is
	// just a convenience wrapper around m for this call.

	pml4i := (va >> 39) & 0x1ff
	pdpti := (va >> 30) & 0x1ff
	pdi := (va >> 21) & 0x1ff
	pti := (va >> 12) & 0x1ff

	walk := func(entries []uint64, idx uint64) (uint64, error) {
		if entries[idx]&pteP != 0 {
			return entries[idx] & pteAddrMask, nil
		}
		if !alloc {
			return 0, &ProtectionViolation{Address: va, Reason: "unmapped"}
		}
		return b.descend(entries, idx, pteUS)
	}

	pml4 := b.entriesAt(b.rootPhys)
	pdptPhys, err := walk(pml4, pml4i)
	if err != nil {
		return nil, err
	}
	pdpt := b.entriesAt(pdptPhys)
	pdPhys, err := walk(pdpt, pdpti)
	if err != nil {
		return nil, err
	}
	pd := b.entriesAt(pdPhys)
	ptPhys, err := walk(pd, pdi)
	if err != nil {
		return nil, err
	}
	pt := b.entriesAt(ptPhys)
	return &pt[pti], nil
}

// translate walks the page tables and returns the guest-physical address
// backing va.
func (m *GuestMemory) translate(va uint64) (uint64, error) {
	pte, err := m.pteAt(va, false)
	if err != nil {
		return 0, err
	}
	if *pte&pteP == 0 {
		return 0, &ProtectionViolation{Address: va, Reason: "unmapped"}
	}
	return (*pte & pteAddrMask) | (va & 0xfff), nil
}

// at returns a raw host pointer for a guest range, but only if the whole
// range is backed by physically contiguous pages within one slot.
func (m *GuestMemory) at(va uint64, length uint64) ([]byte, error) {
	pa, err := m.translate(va)
	if err != nil {
		return nil, err
	}
	if err := m.verifyContiguous(va, pa, length); err != nil {
		return nil, err
	}
	return m.hostAt(pa, length)
}

// safeAt is like at but additionally verifies the whole range maps
// present pages with uniform permissions.
func (m *GuestMemory) safeAt(va uint64, length uint64) ([]byte, error) {
	if err := m.verifyUniformPerms(va, length); err != nil {
		return nil, err
	}
	return m.at(va, length)
}

func (m *GuestMemory) verifyContiguous(va, pa0, length uint64) error {
	first := va &^ uint64(pageSize()-1)
	for off := uint64(pageSize()); off < (va-first)+length; off += uint64(pageSize()) {
		pa, err := m.translate(first + off)
		if err != nil {
			return err
		}
		expect := (pa0 &^ uint64(pageSize()-1)) + off
		if pa&^uint64(pageSize()-1) != expect {
			return &ProtectionViolation{Address: first + off, Reason: "range is not physically contiguous"}
		}
	}
	return nil
}

func (m *GuestMemory) verifyUniformPerms(va, length uint64) error {
	first := va &^ uint64(pageSize()-1)
	last := (va + length - 1) &^ uint64(pageSize()-1)
	var want uint64 = ^uint64(0)
	for p := first; p <= last; p += uint64(pageSize()) {
		pte, err := m.pteAt(p, false)
		if err != nil {
			return err
		}
		if *pte&pteP == 0 {
			return &ProtectionViolation{Address: p, Reason: "unmapped"}
		}
		perm := *pte & (pteRW | pteUS)
		if want == ^uint64(0) {
			want = perm
		} else if perm != want {
			return &ProtectionViolation{Address: p, Reason: "range crosses pages with differing permissions"}
		}
	}
	return nil
}

// copyToGuest writes len(src) bytes from host to guest, acquiring writable
// pages on demand. zeroes hints that the destination is about to be fully
// overwritten, so a newly acquired page can skip duplicating the master's
// contents.
func (m *GuestMemory) copyToGuest(va uint64, src []byte, zeroes bool) error {
	remaining := src
	addr := va
	for len(remaining) > 0 {
		pageOff := addr & uint64(pageSize()-1)
		n := uint64(pageSize()) - pageOff
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}
		pa, host, err := m.getWritablePage(addr&^uint64(pageSize()-1), pteUS|pteRW, zeroes && pageOff == 0 && n == uint64(pageSize()))
		if err != nil {
			return err
		}
		_ = pa
		copy(host[pageOff:pageOff+n], remaining[:n])
		remaining = remaining[n:]
		addr += n
	}
	return nil
}

// copyFromGuest reads len(dst) bytes from guest into dst.
func (m *GuestMemory) copyFromGuest(dst []byte, va uint64) error {
	remaining := dst
	addr := va
	for len(remaining) > 0 {
		pageOff := addr & uint64(pageSize()-1)
		n := uint64(pageSize()) - pageOff
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}
		pa, err := m.translate(addr)
		if err != nil {
			return err
		}
		host, err := m.hostAt(pa&^uint64(pageSize()-1), uint64(pageSize()))
		if err != nil {
			return err
		}
		copy(remaining[:n], host[pageOff:pageOff+n])
		remaining = remaining[n:]
		addr += n
	}
	return nil
}

// unsafeCopyFromGuest is copyFromGuest without permission checks, used by
// the page-fault diagnostic path; it swallows its own errors so a
// secondary failure there never masks the primary exception, returning
// however many bytes it managed to read.
func (m *GuestMemory) unsafeCopyFromGuest(dst []byte, va uint64) int {
	n := 0
	for n < len(dst) {
		pa, err := m.translate(va + uint64(n))
		if err != nil {
			break
		}
		host, err := m.hostAt(pa, 1)
		if err != nil {
			break
		}
		dst[n] = host[0]
		n++
	}
	return n
}

// memoryBuffer describes one page-aligned host segment of a guest range.
type memoryBuffer struct {
	Host []byte
	Addr uint64
}

// gatherBuffersFromRange fills up to len(out) descriptors describing the
// guest range page-by-page without copying, returning the count written.
func (m *GuestMemory) gatherBuffersFromRange(out []memoryBuffer, va, length uint64) (int, error) {
	return m.buffersFromRange(out, va, length, false)
}

// writableBuffersFromRange is like gatherBuffersFromRange but ensures each
// descriptor points at a currently writable host page.
func (m *GuestMemory) writableBuffersFromRange(out []memoryBuffer, va, length uint64) (int, error) {
	return m.buffersFromRange(out, va, length, true)
}

func (m *GuestMemory) buffersFromRange(out []memoryBuffer, va, length uint64, writable bool) (int, error) {
	addr := va
	end := va + length
	count := 0
	for addr < end {
		pageOff := addr & uint64(pageSize()-1)
		n := uint64(pageSize()) - pageOff
		if addr+n > end {
			n = end - addr
		}
		if count >= len(out) {
			return 0, &BoundsExceeded{Reason: "gather_buffers_from_range: descriptor array too small"}
		}
		var host []byte
		if writable {
			_, page, err := m.getWritablePage(addr&^uint64(pageSize()-1), pteUS|pteRW, false)
			if err != nil {
				return 0, err
			}
			host = page[pageOff : pageOff+n]
		} else {
			pa, err := m.translate(addr)
			if err != nil {
				return 0, err
			}
			page, err := m.hostAt(pa&^uint64(pageSize()-1), uint64(pageSize()))
			if err != nil {
				return 0, err
			}
			host = page[pageOff : pageOff+n]
		}
		out[count] = memoryBuffer{Host: host, Addr: addr}
		count++
		addr += n
	}
	return count, nil
}

// memzero zeroes a guest range, acquiring writable pages on demand.
func (m *GuestMemory) memzero(va, length uint64) error {
	addr := va
	end := va + length
	for addr < end {
		pageOff := addr & uint64(pageSize()-1)
		n := uint64(pageSize()) - pageOff
		if addr+n > end {
			n = end - addr
		}
		_, host, err := m.getWritablePage(addr&^uint64(pageSize()-1), pteUS|pteRW, pageOff == 0 && n == uint64(pageSize()))
		if err != nil {
			return err
		}
		clear(host[pageOff : pageOff+n])
		addr += n
	}
	return nil
}

// foreachMemory invokes visit once per physical segment covering the
// guest range [va, va+length).
func (m *GuestMemory) foreachMemory(va, length uint64, visit func([]byte)) error {
	bufs, err := m.collectBuffers(va, length)
	if err != nil {
		return err
	}
	for _, b := range bufs {
		visit(b.Host)
	}
	return nil
}

func (m *GuestMemory) collectBuffers(va, length uint64) ([]memoryBuffer, error) {
	maxPages := int(length/uint64(pageSize())) + 2
	out := make([]memoryBuffer, maxPages)
	n, err := m.gatherBuffersFromRange(out, va, length)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// stringOrView returns a borrowed contiguous view when possible, or an
// owned copy when the range spans non-contiguous pages.
func (m *GuestMemory) stringOrView(va, length uint64) (data []byte, owned bool, err error) {
	if host, err := m.at(va, length); err == nil {
		return host, false, nil
	}
	bufs, err := m.collectBuffers(va, length)
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, 0, length)
	for _, b := range bufs {
		out = append(out, b.Host...)
	}
	return out, true, nil
}

// copyFromCString reads a NUL-terminated guest string bounded by max.
func (m *GuestMemory) copyFromCString(va uint64, max int) (string, error) {
	out := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		var b [1]byte
		if err := m.copyFromGuest(b[:], va+uint64(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", &BoundsExceeded{Reason: "copy_from_cstring: no NUL terminator within max"}
}

// getWritablePage is the CoW core. It walks to the leaf PTE for addr
// (page-aligned), allocating intermediate tables as needed, and ensures
// the returned page is writable:
//   - if the leaf already maps a writable page, return it unchanged;
//   - if it maps into the main region and the region is directly
//     writable, flip the writable bit in place;
//   - otherwise allocate a fresh bank page, copy the old contents unless
//     zeroes is set, and redirect the PTE to it.
func (m *GuestMemory) getWritablePage(addr uint64, flags uint64, zeroes bool) (uint64, []byte, error) {
	pte, err := m.pteAt(addr, true)
	if err != nil {
		return 0, nil, err
	}

	if *pte&pteP != 0 && *pte&pteRW != 0 {
		pa := *pte & pteAddrMask
		host, err := m.hostAt(pa, uint64(pageSize()))
		return pa, host, err
	}

	if *pte&pteP != 0 {
		pa := *pte & pteAddrMask
		if m.isMainRegion(pa) && m.mainWritable {
			*pte |= pteRW
			host, err := m.hostAt(pa, uint64(pageSize()))
			return pa, host, err
		}
	}

	newPhys, newHost, err := m.bank.allocatePage()
	if err != nil {
		return 0, nil, err
	}
	if !zeroes && *pte&pteP != 0 {
		oldPhys := *pte & pteAddrMask
		oldHost, err := m.hostAt(oldPhys, uint64(pageSize()))
		if err == nil {
			copy(newHost, oldHost)
		}
	} else if zeroes {
		clear(newHost)
	}
	*pte = (newPhys & pteAddrMask) | pteP | pteRW | (flags & pteUS)
	return newPhys, newHost, nil
}

// clearWritableAbove walks every present user leaf PTE and clears its
// writable bit for guest-virtual addresses at or above boundary, so that
// a subsequent write faults into the CoW path. Used by
// Machine.PrepareCopyOnWrite.
func (m *GuestMemory) clearWritableAbove(boundary uint64) {
	b := &pageTableBuilder{mem: m, rootPhys: m.rootTablePhys}
	pml4 := b.entriesAt(b.rootPhys)
	for i, e := range pml4 {
		if e&pteP == 0 {
			continue
		}
		pdpt := b.entriesAt(e & pteAddrMask)
		for j, e2 := range pdpt {
			if e2&pteP == 0 {
				continue
			}
			pd := b.entriesAt(e2 & pteAddrMask)
			for k, e3 := range pd {
				if e3&pteP == 0 {
					continue
				}
				pt := b.entriesAt(e3 & pteAddrMask)
				for l := range pt {
					if pt[l]&pteP == 0 || pt[l]&pteUS == 0 {
						continue
					}
					va := (uint64(i) << 39) | (uint64(j) << 30) | (uint64(k) << 21) | (uint64(l) << 12)
					if va >= boundary {
						pt[l] &^= pteRW
					}
				}
			}
		}
	}
}

// snapshotSlots returns a copy of the currently installed slot list, for a
// caller (fork.go) that needs to mirror them into another machine without
// holding m's lock across HV-API calls on the other machine.
func (m *GuestMemory) snapshotSlots() []memSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memSlot(nil), m.slots...)
}

func (m *GuestMemory) isMainRegion(phys uint64) bool {
	return phys < m.size
}

// setMainMemoryWritable toggles direct guest writability of the main
// region. Only legal between runs: flipping it mid-run would invalidate
// the CoW invariant that every writable main-region page is either
// directly writable or bank-backed.
func (m *GuestMemory) setMainMemoryWritable(writable bool) {
	m.mainWritable = writable
}
