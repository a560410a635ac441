//go:build linux && amd64

package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const bankGrowthPages = 1024 // pages per growth increment (4 MiB at 4 KiB pages)

// memoryBank is an append-only arena of 4 KiB pages used to back
// copy-on-write faults. Pages are handed out one at a time via
// allocatePage and are never individually freed; the whole bank is
// released when its owning Machine is closed, or replaced wholesale by a
// reset.
type memoryBank struct {
	mem      *GuestMemory // back-reference, for slot registration
	maxBytes uint64       // ceiling on allocated bytes; 0 means no ceiling

	growthPages uint64 // pages mmap'd per growSlot call

	slots     []bankSlot
	allocated uint64 // bytes handed out so far
	cursor    int    // offset within the current (last) slot's host buffer
}

// bankSlot is one mmap'd, HV-API-registered growth increment of the bank.
type bankSlot struct {
	index     uint32
	host      []byte
	guestPhys uint64
}

func newMemoryBank(mem *GuestMemory, maxBytes uint64) *memoryBank {
	return &memoryBank{mem: mem, maxBytes: maxBytes, growthPages: bankGrowthPages}
}

// footprint reports the bank's total allocated bytes.
func (b *memoryBank) footprint() uint64 {
	return b.allocated
}

// pageCount reports how many 4 KiB pages have been allocated from the bank.
func (b *memoryBank) pageCount() uint64 {
	return b.allocated / uint64(pageSize())
}

// allocatePage returns a fresh (guest-physical, host-pointer) pair backed
// by the bank, growing by a whole slot when the current one is exhausted.
func (b *memoryBank) allocatePage() (guestPhys uint64, host []byte, err error) {
	if b.maxBytes != 0 && b.allocated+uint64(pageSize()) > b.maxBytes {
		return 0, nil, &BoundsExceeded{Reason: "memory bank exceeded MaxWorkMemory"}
	}
	if len(b.slots) == 0 || b.cursor >= len(b.slots[len(b.slots)-1].host) {
		if err := b.growSlot(); err != nil {
			return 0, nil, err
		}
	}
	slot := &b.slots[len(b.slots)-1]
	page := slot.host[b.cursor : b.cursor+pageSize()]
	phys := slot.guestPhys + uint64(b.cursor)
	b.cursor += pageSize()
	b.allocated += uint64(pageSize())
	recordBankPageFault()
	return phys, page, nil
}

func (b *memoryBank) growSlot() error {
	growthBytes := b.growthPages * uint64(pageSize())
	guestPhys := b.mem.nextBankPhys
	hostBuf, err := unix.Mmap(-1, 0, int(growthBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &HvApiFailure{Op: "mmap bank slot", Err: err}
	}
	idx, err := b.mem.installMemory(guestPhys, hostBuf, false)
	if err != nil {
		unix.Munmap(hostBuf)
		return err
	}
	b.mem.nextBankPhys += growthBytes
	b.slots = append(b.slots, bankSlot{index: idx, host: hostBuf, guestPhys: guestPhys})
	b.cursor = 0
	return nil
}

func (b *memoryBank) release() {
	for _, s := range b.slots {
		b.mem.deleteMemory(s.index)
		unix.Munmap(s.host)
	}
	b.slots = nil
	b.allocated = 0
	b.cursor = 0
}

func (b *memoryBank) String() string {
	return fmt.Sprintf("memoryBank{slots=%d, allocated=%d, max=%d}", len(b.slots), b.allocated, b.maxBytes)
}
