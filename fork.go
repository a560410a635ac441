//go:build linux && amd64

package hypervisor

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// PrepareCopyOnWrite makes m a CoW master: every present, user-accessible
// page at or above sharedBoundary has its writable bit cleared, so the
// next write from m itself or from any child faults into the CoW path.
// maxWorkMem becomes the ceiling on bank bytes m itself may allocate from
// that point on; pages already in m's bank do not count against it. With
// a zero ceiling, any later write by m that needs a new bank page fails
// with BoundsExceeded. Forking is allowed either way: NewChildMachine only
// requires that m was prepared.
func (m *Machine) PrepareCopyOnWrite(maxWorkMem uint64, sharedBoundary uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}
	m.mem.clearWritableAbove(sharedBoundary)
	limit := m.mem.bank.footprint() + maxWorkMem
	if limit == 0 {
		limit = 1 // the bank reads 0 as "no ceiling"; 1 byte admits no page
	}
	m.mem.bank.maxBytes = limit
	if !m.opts.MasterDirectMemoryWrites {
		m.mem.setMainMemoryWritable(false)
	}
	m.prepped = true
	return nil
}

// SetMainMemoryWritable toggles whether the main memory region may be
// written directly, bypassing the CoW bank. Only legal between runs,
// since flipping it mid-run could invalidate the CoW invariant that
// every writable main-region page is either directly writable or
// bank-backed.
func (m *Machine) SetMainMemoryWritable(writable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}
	if !m.vcpu.stopped.Load() {
		return ErrMachineRunning
	}
	m.mem.setMainMemoryWritable(writable)
	return nil
}

// NewChildMachine constructs a CoW child of master: master's own bank
// pages, and the portion of its main region above the reserved kernel
// area, are shared read-only into the child's address space at their
// original guest-physical addresses; the child gets its own private,
// mutable copy of the kernel area (page tables, GDT, IDT) and its own
// empty bank. The exit trampoline page lies just past the kernel area and
// is shared read-only like the rest. Register state is cloned from
// master so the child starts exactly where master's prepare left off.
func NewChildMachine(master *Machine, options MachineOptions) (*Machine, error) {
	master.mu.Lock()
	if master.closed {
		master.mu.Unlock()
		return nil, ErrMachineClosed
	}
	if !master.prepped {
		master.mu.Unlock()
		return nil, ErrNotForkable
	}
	masterMem := master.mem
	masterRegs, err := master.vcpu.GetRegs()
	if err != nil {
		master.mu.Unlock()
		return nil, err
	}
	masterSregs, err := master.vcpu.GetSregs()
	if err != nil {
		master.mu.Unlock()
		return nil, err
	}
	master.mu.Unlock()

	started := time.Now()
	if options.MaxMemory == 0 {
		options.MaxMemory = masterMem.size // a child's address space mirrors its master's
	}
	options.setDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}

	kfd, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &HvApiFailure{Op: "open /dev/kvm", Err: err}
	}
	defer kfd.Close()

	vmFD, _, errno := unix.Syscall(unix.SYS_IOCTL, kfd.Fd(), kvmCreateVM, 0)
	if errno != 0 {
		return nil, &HvApiFailure{Op: "KVM_CREATE_VM", Err: errno}
	}

	c := &Machine{
		binary:  master.binary,
		vmFD:    vmFD,
		opts:    options,
		symbols: master.symbols,
		forked:  true,
		booted:  true, // cloned from a master already past its full entry pass
	}
	if _, err := ioctlNoArg(vmFD, kvmSetTSSAddr); err != nil {
		unix.Close(int(vmFD))
		return nil, &HvApiFailure{Op: "KVM_SET_TSS_ADDR", Err: err}
	}

	mem, err := newChildGuestMemory(vmFD, masterMem, options.MaxWorkMemory, options.ShortLived)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.mem = mem
	c.kernelEndAddr = master.kernelEndAddr
	c.startAddress = master.startAddress
	c.heapAddress = master.heapAddress
	c.stackAddress = master.stackAddress
	c.entryAddress = master.entryAddress
	c.reentryAddress = master.reentryAddress
	c.exitAddress = master.exitAddress
	c.mmapCursor = master.mmapCursor

	vc, err := newVCPU(vmFD, c)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.vcpu = vc
	if err := vc.SetRegs(masterRegs); err != nil {
		c.Close()
		return nil, err
	}
	if err := vc.SetSregs(masterSregs); err != nil {
		c.Close()
		return nil, err
	}

	recordMachineCreate(time.Since(started))
	recordFork()
	return c, nil
}

// newChildGuestMemory builds a child's memory view over a prepared
// master: the master's bank pages and the data portion of its main
// region (everything from the end of the reserved kernel area up) are
// installed read-only at their original guest-physical addresses; the
// kernel area itself is copied into a fresh, privately owned, writable
// buffer so the child can maintain its own page tables.
func newChildGuestMemory(vmFD uintptr, master *GuestMemory, maxWorkMem uint64, shortLived bool) (*GuestMemory, error) {
	kernelHost, err := unix.Mmap(-1, 0, kernelAreaEnd, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, &HvApiFailure{Op: "mmap child kernel area", Err: err}
	}
	masterKernelArea, err := master.hostAt(0, uint64(kernelAreaEnd))
	if err != nil {
		unix.Munmap(kernelHost)
		return nil, err
	}
	copy(kernelHost, masterKernelArea)

	gm := &GuestMemory{
		vmFD:         vmFD,
		size:         master.size,
		host:         kernelHost,
		mainWritable: false,
		nextBankPhys: master.nextBankPhys,
	}
	if _, err := gm.installMemory(0, kernelHost, false); err != nil {
		unix.Munmap(kernelHost)
		return nil, err
	}
	newPageTableBuilder(gm)
	gm.nextTablePhys = master.nextTablePhys

	for _, s := range master.snapshotSlots() {
		if s.guestPhys == 0 {
			// The main slot's low kernel-area page is already covered by
			// the child's private copy above; only its data tail (if any)
			// beyond the reserved kernel area mirrors in read-only.
			if s.size > uint64(kernelAreaEnd) {
				if _, err := gm.installMemory(uint64(kernelAreaEnd), s.host[kernelAreaEnd:], true); err != nil {
					gm.close()
					return nil, err
				}
			}
			continue
		}
		if _, err := gm.installMemory(s.guestPhys, s.host, true); err != nil {
			gm.close()
			return nil, err
		}
	}

	gm.bank = newMemoryBank(gm, maxWorkMem)
	if shortLived {
		gm.bank.growthPages = 1
	}
	return gm, nil
}

// ResetTo cheaply rewinds m, a child of master, back to master's state.
// Unless options.ResetKeepAllWorkMemory is set, m's entire memory view is
// rebuilt from master's current slots exactly as NewChildMachine would:
// releasing the old bank (and the page-table entries any divergent write
// redirected into it) and reinstalling fresh read-only mirrors. Its
// registers are re-cloned from master. After reset, m is indistinguishable
// from a freshly forked child of master with the same options.
func (m *Machine) ResetTo(master *Machine, options MachineOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}
	if !m.forked {
		return ErrNotForkable
	}

	master.mu.Lock()
	if master.closed {
		master.mu.Unlock()
		return ErrMachineClosed
	}
	masterMem := master.mem
	regs, regsErr := master.vcpu.GetRegs()
	sregs, sregsErr := master.vcpu.GetSregs()
	master.mu.Unlock()
	if regsErr != nil {
		return regsErr
	}
	if sregsErr != nil {
		return sregsErr
	}

	if !options.ResetKeepAllWorkMemory {
		// A plain bank release leaves behind page-table entries that a
		// divergent write redirected into the now-freed bank pages, so the
		// whole memory view is rebuilt from master's current slots instead
		// of just swapping the bank out from under the stale page tables.
		newMem, err := newChildGuestMemory(m.vmFD, masterMem, options.MaxWorkMemory, options.ShortLived)
		if err != nil {
			return err
		}
		oldMem := m.mem
		m.mem = newMem
		oldMem.close()
	}

	if err := m.vcpu.SetRegs(regs); err != nil {
		return err
	}
	if err := m.vcpu.SetSregs(sregs); err != nil {
		return err
	}

	m.poisoned = false
	m.booted = true
	recordReset()
	return nil
}
