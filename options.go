package hypervisor

import (
	"fmt"
	"log"
)

// MachineOptions configures a Machine at construction time. Fields left at
// their zero value take the defaults documented below.
type MachineOptions struct {
	// MaxMemory is the size in bytes of the guest's main physical memory
	// region. Required; must be page-aligned and non-zero.
	MaxMemory uint64

	// StackSize is the size in bytes of the initial guest stack. Defaults
	// to 256 KiB.
	StackSize uint64

	// HeapBase is the guest-virtual address the heap/brk area starts at.
	// Defaults to immediately above the loaded image.
	HeapBase uint64

	// VmemBase is accepted but not read: guest-virtual addresses are
	// mapped identically to guest-physical ones from address 0 whatever
	// its value.
	VmemBase uint64

	// RemappableText is accepted but not read: the loader maps every
	// segment user-writable, regardless of this flag and of the segment's
	// own ELF flags, and never changes those permissions after load.
	RemappableText bool

	// VerboseLoader causes the loader to report segment-mapping decisions
	// through the Machine's Printer.
	VerboseLoader bool

	// MasterDirectMemoryWrites, if true, allows the main memory region to
	// be written directly by the guest without going through a CoW bank
	// page (GuestMemory's main_memory_writes flag). Only meaningful for a
	// machine intended to be forked; ignored for a plain machine, which is
	// always directly writable.
	MasterDirectMemoryWrites bool

	// ShortLived skips CoW-preparation bookkeeping that only pays off for
	// a machine that will be forked many times: the memory bank grows one
	// page at a time instead of a full bankGrowthPages increment, trading
	// per-fault mmap overhead for not reserving megabytes a one-shot
	// machine will never touch.
	ShortLived bool

	// ResetKeepAllWorkMemory causes ResetTo to retain bank pages across a
	// reset instead of releasing them back to the allocator.
	ResetKeepAllWorkMemory bool

	// MaxWorkMemory bounds how many bytes of CoW bank pages a child built
	// by NewChildMachine (or rebuilt by ResetTo) may allocate before page
	// acquisition fails with BoundsExceeded. Zero means no limit.
	// NewMachine does not read it; a master's own ceiling is the maxWorkMem
	// argument of PrepareCopyOnWrite.
	MaxWorkMemory uint64

	// Printer receives diagnostic output. Defaults to a wrapper around
	// log.Printf.
	Printer Printer
}

// Printer receives formatted diagnostic messages, mirroring the role of a
// caller-supplied logging callback.
type Printer func(format string, args ...any)

func defaultPrinter(format string, args ...any) {
	log.Printf(format, args...)
}

func (o *MachineOptions) setDefaults() {
	if o.StackSize == 0 {
		o.StackSize = 256 << 10
	}
	if o.Printer == nil {
		o.Printer = defaultPrinter
	}
}

func (o *MachineOptions) validate() error {
	if o.MaxMemory == 0 {
		return fmt.Errorf("hypervisor: MachineOptions.MaxMemory must be non-zero")
	}
	if !isPageAligned(o.MaxMemory) {
		return fmt.Errorf("%w: MaxMemory (%d) must be a multiple of the page size", ErrInvalidAlignment, o.MaxMemory)
	}
	if o.StackSize != 0 && !isPageAligned(o.StackSize) {
		return fmt.Errorf("%w: StackSize (%d) must be a multiple of the page size", ErrInvalidAlignment, o.StackSize)
	}
	return nil
}
