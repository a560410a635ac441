//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Fixed guest-virtual layout. The kernel area (page tables, GDT, IDT) and
// the exit trampoline page right after it live at low, identity-mapped
// addresses; the loaded image, heap, and stack are placed above them.
const (
	defaultStackTop = 0x0000_7fff_ffff_f000
	exitTrampoline  = idtOffset + 0x1000

	// hostcallReturnSlot is a fixed cell inside the exit trampoline's own
	// page where the trampoline stashes the callee's real RAX before
	// clobbering EAX with the port-0 clean-exit sentinel. OUT can only
	// transmit the accumulator's own value, so the sentinel would
	// otherwise destroy whatever a vmcall'd function returned.
	hostcallReturnSlot = exitTrampoline + 0x100
)

// Machine is the top-level guest object: it composes a GuestMemory and a
// primary vCPU, drives setup/run/fork/reset, and exposes the host-call
// API.
type Machine struct {
	mu     sync.Mutex
	closed bool

	binary []byte // borrowed; caller must keep alive for the Machine's lifetime
	vmFD   uintptr
	mem    *GuestMemory
	vcpu   *vCPU
	remote *remoteLink

	opts MachineOptions

	startAddress   uint64
	heapAddress    uint64
	stackAddress   uint64
	kernelEndAddr  uint64
	entryAddress   uint64
	reentryAddress uint64
	exitAddress    uint64

	symbols map[string]uint64

	prepped  bool
	forked   bool
	booted   bool // true once the full entry address has been handed out; see entryAddressIfUsermode
	poisoned bool // true after a MachineException or TimeoutException; only ResetTo/Close are valid

	userdata any
	resolver func(addr uint64) string

	mmapCursor uint64 // bump allocator for MmapAllocate, starts at heap+BRK_MAX
}

// mmapBrkMax bounds the heap bump area reserved immediately above the
// heap base, mirroring tinykvm's BRK_MAX.
const mmapBrkMax = 0x100000

// NewMachine loads binary into a fresh guest address space and prepares
// it to run. binary must remain valid for the Machine's lifetime.
func NewMachine(binary []byte, opts MachineOptions) (*Machine, error) {
	started := time.Now()
	opts.setDefaults()
	if err := opts.validate(); err != nil {
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

	m := &Machine{
		binary:  binary,
		vmFD:    vmFD,
		opts:    opts,
		symbols: map[string]uint64{},
		resolver: nil,
	}

	if _, err := ioctlNoArg(vmFD, kvmSetTSSAddr); err != nil {
		m.closeHandles()
		return nil, &HvApiFailure{Op: "KVM_SET_TSS_ADDR", Err: err}
	}

	mem, err := newGuestMemory(vmFD, opts.MaxMemory, true) // a plain machine is always directly writable
	if err != nil {
		m.closeHandles()
		return nil, err
	}
	if opts.ShortLived {
		mem.bank.growthPages = 1
	}
	m.mem = mem
	m.kernelEndAddr = kernelAreaEnd

	img, err := parseImage(binary, opts.Printer, opts.VerboseLoader)
	if err != nil {
		m.Close()
		return nil, err
	}
	if err := m.layout(img); err != nil {
		m.Close()
		return nil, err
	}

	vc, err := newVCPU(vmFD, m)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.vcpu = vc

	if err := m.setupCPUState(); err != nil {
		m.Close()
		return nil, err
	}

	recordMachineCreate(time.Since(started))
	return m, nil
}

func (m *Machine) closeHandles() {
	if m.vcpu != nil {
		m.vcpu.close()
	}
	if m.mem != nil {
		m.mem.close()
	}
}

// Close releases the machine's HV-API handles, timer, and bank pages.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.closeHandles()
	recordMachineDestroy()
	return nil
}

// layout assigns the ELF image's segments and derives the heap/stack/entry
// addresses, writing every loaded byte into guest memory.
func (m *Machine) layout(img *loadedImage) error {
	var maxEnd uint64
	for _, seg := range img.segments {
		if err := m.mem.copyToGuest(seg.vaddr, seg.data, false); err != nil {
			return fmt.Errorf("hypervisor: load segment at 0x%x: %w", seg.vaddr, err)
		}
		if seg.memsz > uint64(len(seg.data)) {
			if err := m.mem.memzero(seg.vaddr+uint64(len(seg.data)), seg.memsz-uint64(len(seg.data))); err != nil {
				return err
			}
		}
		if end := seg.vaddr + seg.memsz; end > maxEnd {
			maxEnd = end
		}
		if len(img.segments) > 0 && (m.startAddress == 0 || seg.vaddr < m.startAddress) {
			m.startAddress = seg.vaddr
		}
	}

	m.symbols = img.symbols
	m.entryAddress = img.entry
	if addr, ok := img.symbols["_reentry"]; ok {
		m.reentryAddress = addr
	} else {
		m.reentryAddress = img.entry
	}

	m.heapAddress = m.opts.HeapBase
	if m.heapAddress == 0 {
		m.heapAddress = alignUp(maxEnd, uint64(pageSize()))
	}
	m.mmapCursor = m.heapAddress + mmapBrkMax

	m.stackAddress = defaultStackTop
	stackBottom := m.stackAddress - m.opts.StackSize
	if err := m.mem.memzero(stackBottom, m.opts.StackSize); err != nil {
		return err
	}

	m.exitAddress = exitTrampoline
	// mov [hostcallReturnSlot], rax; mov eax, 0xFFFF; out 0x0, eax; hlt --
	// the guest-side trampoline a vmcall's return address points at.
	// Stashing RAX first means a vmcall'd function's actual return value
	// survives the port-0 sentinel that stops the vCPU.
	slot := uint64(hostcallReturnSlot)
	trampoline := []byte{
		0x48, 0x89, 0x04, 0x25, byte(slot), byte(slot >> 8), byte(slot >> 16), byte(slot >> 24),
		0xB8, 0xFF, 0xFF, 0x00, 0x00,
		0xE7, 0x00,
		0xF4,
	}
	return m.mem.copyToGuest(m.exitAddress, trampoline, false)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// setupCPUState builds the long-mode page tables over the loaded image
// and initializes the vCPU's special and general registers.
func (m *Machine) setupCPUState() error {
	b := newPageTableBuilder(m.mem)
	// Kernel area: identity-mapped, supervisor-only.
	for phys := uint64(0); phys < kernelAreaEnd; phys += 0x1000 {
		if err := b.mapPage(phys, phys, 0); err != nil {
			return err
		}
	}
	// pteRW so the trampoline's own stash-to-hostcallReturnSlot store can
	// succeed; the page never needs to be writable from anywhere else.
	if err := b.mapPage(m.exitAddress, m.exitAddress, pteUS|pteRW); err != nil {
		return err
	}

	sregs, err := m.vcpu.GetSregs()
	if err != nil {
		return err
	}
	sregs.CR3 = m.mem.rootTablePhys
	sregs.CR4 = 1 << 5 // PAE
	sregs.CR0 = (1 << 0) | (1 << 31) // PE | PG
	sregs.EFER = (1 << 8) | (1 << 10) // LME | LMA
	sregs.GDT.Base = gdtOffset
	sregs.GDT.Limit = 0xFFFF
	sregs.IDT.Base = idtOffset
	sregs.IDT.Limit = 0xFFFF
	flatCode := kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Type: 0xb, Present: 1, DPL: 3, S: 1, L: 1, G: 1}
	flatData := kvmSegment{Base: 0, Limit: 0xFFFFFFFF, Type: 0x3, Present: 1, DPL: 3, S: 1, G: 1}
	sregs.CS, sregs.SS, sregs.DS, sregs.ES, sregs.FS, sregs.GS = flatCode, flatData, flatData, flatData, flatData, flatData
	if err := m.vcpu.SetSregs(sregs); err != nil {
		return err
	}

	var regs kvmRegs
	regs.RIP = m.entryAddress
	regs.RSP = m.stackAddress
	regs.RFLAGS = 0x2
	return m.vcpu.SetRegs(regs)
}

// MigrateToThisThread binds the machine's vCPU and interval timer to the
// calling goroutine's OS thread. Must be called once per thread before
// Run/Vmcall is first used from it.
func (m *Machine) MigrateToThisThread() error {
	runtime.LockOSThread()
	return m.vcpu.migrateToThisThread()
}

func (m *Machine) printer() Printer {
	if m.opts.Printer != nil {
		return m.opts.Printer
	}
	return defaultPrinter
}

// Stop requests that the running vCPU terminate at its next opportunity.
func (m *Machine) Stop(v bool) { m.vcpu.stop(v) }

// Stopped reports whether the vCPU considers itself stopped.
func (m *Machine) Stopped() bool { return m.vcpu.stopped.Load() }

// ReturnValue reads RAX, the integer return-value register per the host
// call ABI.
func (m *Machine) ReturnValue() (uint64, error) { return m.vcpu.GetReg(RegRAX) }

// AddressOf resolves a symbol name to its guest-virtual address, if the
// image carried a symbol table.
func (m *Machine) AddressOf(name string) (uint64, error) {
	if addr, ok := m.symbols[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("hypervisor: unknown symbol %q", name)
}

func (m *Machine) StartAddress() uint64 { return m.startAddress }
func (m *Machine) HeapAddress() uint64  { return m.heapAddress }
func (m *Machine) StackAddress() uint64 { return m.stackAddress }
func (m *Machine) KernelEndAddress() uint64 { return m.kernelEndAddr }
func (m *Machine) EntryAddress() uint64   { return m.entryAddress }
func (m *Machine) ReentryAddress() uint64 { return m.reentryAddress }
func (m *Machine) ExitAddress() uint64    { return m.exitAddress }

// BankedMemoryPages reports how many 4 KiB pages the machine's bank has
// handed out since the bank was created: for a machine built by NewMachine
// this includes the pages backing the loaded image and stack; for a child,
// it counts the pages taken since it was forked or since ResetTo last
// rebuilt its memory.
func (m *Machine) BankedMemoryPages() uint64 { return m.mem.bank.pageCount() }

// SetUserdata stores an opaque pointer retrievable via Userdata, for a
// caller's own bookkeeping per machine.
func (m *Machine) SetUserdata(v any) { m.userdata = v }
func (m *Machine) Userdata() any     { return m.userdata }

// SetSymbolResolver installs an optional hook used only for diagnostic
// printing in the exception path; the symbol table itself remains the
// loader's concern.
func (m *Machine) SetSymbolResolver(f func(addr uint64) string) { m.resolver = f }

func (m *Machine) resolve(addr uint64) string {
	if m.resolver == nil {
		return fmt.Sprintf("0x%x", addr)
	}
	return m.resolver(addr)
}

// MmapAllocate bump-allocates size bytes from the heap's mmap area,
// returning the guest-virtual address of the new region. Mirrors
// tinykvm's mmap_allocate/BRK_MAX bump area.
func (m *Machine) MmapAllocate(size uint64) (uint64, error) {
	size = alignUp(size, uint64(pageSize()))
	addr := m.mmapCursor
	if addr+size > m.stackAddress-m.opts.StackSize {
		return 0, &BoundsExceeded{Reason: "mmap_allocate: mmap area would reach the stack"}
	}
	if err := m.mem.memzero(addr, size); err != nil {
		return 0, err
	}
	m.mmapCursor += size
	return addr, nil
}

// checkUsable reports whether m may currently be run: a closed or
// poisoned machine refuses every operation except Close/ResetTo.
func (m *Machine) checkUsable() error {
	if m.closed {
		return ErrMachineClosed
	}
	if m.poisoned {
		return ErrMachinePoisoned
	}
	return nil
}

// poison marks m unusable (besides ResetTo/Close) if err is one of the
// guest-execution failure kinds the spec designates as poisoning.
func (m *Machine) poison(err error) {
	switch err.(type) {
	case *MachineException, *TimeoutException:
		m.poisoned = true
	}
}

// Run executes the guest until it halts cleanly, faults, or exceeds
// timeoutMillis (0 = no timeout). The very first call after construction
// runs the full entry point (ring-0 setup through to the guest's usermode
// wait loop); a later call, made after the guest has already reached
// usermode, resumes at the cheaper reentry address instead.
func (m *Machine) Run(timeoutMillis uint32) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	pc, err := m.entryAddressIfUsermode()
	if err != nil {
		return err
	}
	if err := m.vcpu.SetPC(pc); err != nil {
		return err
	}
	err = m.vcpu.run(timeoutMillis)
	if err != nil {
		m.poison(err)
	}
	return err
}
