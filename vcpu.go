//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// addrRemoteBit marks a faulting guest-virtual address as belonging to a
// connected remote peer (see remote.go). addrPageMask discards the
// low-order page offset when extracting the faulting page address.
const (
	addrRemoteBit = 0x8000000000000000
	addrPageMask  = 0x8000000000000FFF
)

// vCPU wraps one HV-API vCPU file descriptor and its shared run region. It
// owns the interval timer and runs the exit-dispatch state machine. A vCPU
// is thread-affine: see Machine.MigrateToThisThread.
type vCPU struct {
	fd      uintptr
	runMem  []byte
	runPage *kvmRun
	timer   *vcpuTimer
	stopped atomic.Bool

	machine *Machine
}

func newVCPU(vmFD uintptr, m *Machine) (*vCPU, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, vmFD, kvmCreateVCPU, 0)
	if errno != 0 {
		return nil, &HvApiFailure{Op: "KVM_CREATE_VCPU", Err: errno}
	}
	runSize, err := ioctlNoArg(vmFD, kvmGetVCPUMmapSize)
	if err != nil {
		unix.Close(int(fd))
		return nil, &HvApiFailure{Op: "KVM_GET_VCPU_MMAP_SIZE", Err: err}
	}
	runMem, err := unix.Mmap(int(fd), 0, int(runSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, &HvApiFailure{Op: "mmap kvm_run", Err: err}
	}
	vc := &vCPU{
		fd:      fd,
		runMem:  runMem,
		runPage: (*kvmRun)(unsafe.Pointer(&runMem[0])),
		machine: m,
	}
	vc.stopped.Store(true)
	return vc, nil
}

func (c *vCPU) close() {
	if c.timer != nil {
		c.timer.close()
	}
	unix.Munmap(c.runMem)
	unix.Close(int(c.fd))
}

// migrateToThisThread destroys any existing timer and creates a new one
// bound to the calling (now OS-thread-locked) goroutine. Must be called
// before the first run on a new thread.
func (c *vCPU) migrateToThisThread() error {
	if c.timer != nil {
		c.timer.close()
		c.timer = nil
	}
	t, err := newVCPUTimer()
	if err != nil {
		return err
	}
	c.timer = t
	return nil
}

// stop requests that the run loop terminate at its next opportunity: the
// next syscall-handler exit, or when the exit address is reached. This is
// the one operation that may be invoked from a thread other than the
// vCPU's owner.
func (c *vCPU) stop(v bool) {
	c.stopped.Store(v)
}

// run arms the timer for ticks milliseconds (0 disables the timeout),
// loops KVM_RUN, and dispatches each exit until the guest stops or the
// timer fires. The timer is always disarmed before run returns, including
// on the error path.
func (c *vCPU) run(ticks uint32) (err error) {
	if c.timer == nil {
		if err := c.migrateToThisThread(); err != nil {
			return err
		}
	}
	started := time.Now()
	defer func() { recordVCPURun(time.Since(started)) }()

	if ticks != 0 {
		if err := c.timer.arm(ticks); err != nil {
			return err
		}
	}
	defer c.timer.disarm()

	c.stopped.Store(false)
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.fd, kvmRunIoctl, 0)
		if errno != 0 {
			if errno == unix.EINTR {
				if c.timer.ticks != 0 {
					recordTimeout()
					return &TimeoutException{Ticks: c.timer.ticks}
				}
				continue
			}
			return &MachineException{Reason: fmt.Sprintf("run failed: %v", errno)}
		}

		if c.timer.ticks != 0 && c.timer.maybeFired() {
			recordTimeout()
			return &TimeoutException{Ticks: c.timer.ticks}
		}

		if err := c.checkIntegrity(); err != nil {
			return err
		}

		done, err := c.dispatchExit()
		if err != nil {
			return err
		}
		if done || c.stopped.Load() {
			return nil
		}
	}
}

// checkIntegrity verifies cr3, gdt.base, and idt.base against the
// machine's configured values after every successful KVM_RUN return.
func (c *vCPU) checkIntegrity() error {
	sregs, err := c.GetSregs()
	if err != nil {
		return err
	}
	m := c.machine
	if sregs.CR3 != m.mem.rootTablePhys ||
		sregs.GDT.Base != gdtOffset ||
		sregs.IDT.Base != idtOffset {
		return &MachineException{Reason: "kernel integrity check failed: cr3/gdt/idt mismatch"}
	}
	return nil
}

// dispatchExit handles one KVM_RUN exit and reports whether the run loop
// should stop.
func (c *vCPU) dispatchExit() (bool, error) {
	switch c.runPage.ExitReason {
	case kvmExitHLT:
		return false, &MachineException{Reason: "halt from kernel space"}
	case kvmExitDebug:
		return true, nil
	case kvmExitFailEntryReason:
		fe := c.runPage.failEntry()
		return false, &MachineException{Reason: "fail entry", Code: int32(fe.HardwareEntryFailureReason)}
	case kvmExitShutdown:
		return false, &MachineException{Reason: "triple fault", Code: 32}
	case kvmExitMMIOReason:
		mm := c.runPage.mmio()
		return false, &MachineException{Reason: fmt.Sprintf("write outside physical memory at 0x%x", mm.PhysAddr)}
	case kvmExitInternalError:
		return false, &MachineException{Reason: "internal error"}
	case kvmExitIOReason:
		return c.dispatchIO()
	default:
		return false, nil
	}
}

func (c *vCPU) dispatchIO() (bool, error) {
	io := c.runPage.io()
	data := c.runPage.ioExitData()

	if io.Direction == kvmExitIODirOut {
		switch {
		case io.Port == 0:
			var value uint32
			if len(data) >= 4 {
				value = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
			}
			if value == 0xFFFF {
				c.stopped.Store(true)
				return true, nil
			}
			recordSyscallDispatch()
			h := lookupSyscallHandler(int(value))
			if h == nil {
				return false, &MachineException{Reason: fmt.Sprintf("unhandled syscall %d", value)}
			}
			if err := h(c); err != nil {
				return false, err
			}
			return c.stopped.Load(), nil
		case io.Port >= 0x80 && io.Port < 0x100:
			vector := uint8(io.Port - 0x80)
			return false, c.handleInterrupt(vector)
		default:
			h := lookupOutputHandler()
			if h == nil {
				return false, nil
			}
			return false, h(c, io.Port, true, data)
		}
	}

	h := lookupInputHandler()
	if h == nil {
		return false, nil
	}
	return false, h(c, io.Port, false, data)
}

// handleInterrupt services the kernel-mode interrupt surface written by
// the guest's IDT stubs to ports 0x80+vector.
func (c *vCPU) handleInterrupt(vector uint8) error {
	switch vector {
	case 14: // page fault
		return c.handlePageFault()
	case 1: // debug trap
		if h := lookupBreakpointHandler(); h != nil {
			return h(c)
		}
		return nil
	default:
		c.DumpRegisters(c.machine.printer())
		return &MachineException{Reason: fmt.Sprintf("CPU exception vector %d", vector), Code: int32(vector)}
	}
}

func (c *vCPU) handlePageFault() error {
	sregs, err := c.GetSregs()
	if err != nil {
		return err
	}
	if sregs.CS.DPL != 0 || sregs.SS.DPL != 0 {
		recordSecurityError()
		return &MachineException{Reason: "security violation: page fault trapped outside kernel-mode stub"}
	}

	regs, err := c.GetRegs()
	if err != nil {
		return err
	}
	rawAddr := regs.RDI
	isRemote := rawAddr&addrRemoteBit != 0
	addr := rawAddr &^ uint64(addrPageMask)

	if isRemote {
		if c.machine.remote == nil {
			return ErrNoRemotePeer
		}
		return c.machine.remote.handleFault(c, addr)
	}

	_, _, err = c.machine.mem.getWritablePage(addr, pteUS|pteRW, false)
	return err
}

// DumpRegisters prints the vCPU's general-purpose registers through p, the
// same diagnostic aid tinykvm's exception path uses before raising.
func (c *vCPU) DumpRegisters(p Printer) {
	regs, err := c.GetRegs()
	if err != nil {
		p("registers: unavailable: %v", err)
		return
	}
	p("rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
	p("rsi=%#016x rdi=%#016x rsp=%#016x rbp=%#016x", regs.RSI, regs.RDI, regs.RSP, regs.RBP)
	p("rip=%#016x rflags=%#016x", regs.RIP, regs.RFLAGS)
}

// stepOne single-steps one guest instruction via KVM_SET_GUEST_DEBUG,
// supporting GDB-style debugging collaborators built on top of this
// engine.
func (c *vCPU) stepOne() error {
	dbg := kvmGuestDebug{Control: kvmGuestDebugEnable | kvmGuestDebugSingleStep}
	if _, err := ioctlPtr(c.fd, kvmSetGuestDebug, unsafe.Pointer(&dbg)); err != nil {
		return &HvApiFailure{Op: "KVM_SET_GUEST_DEBUG", Err: err}
	}
	defer c.clearGuestDebug()
	return c.run(0)
}

// runWithBreakpoints arms the given hardware breakpoint addresses (up to
// four, the x86 debug-register limit) and runs until one is hit or the
// guest halts.
func (c *vCPU) runWithBreakpoints(addrs []uint64, ticks uint32) error {
	if len(addrs) > 4 {
		return &BoundsExceeded{Reason: "run_with_breakpoints: at most 4 hardware breakpoints"}
	}
	dbg := kvmGuestDebug{Control: kvmGuestDebugEnable | kvmGuestDebugUseHWBP}
	for i, a := range addrs {
		dbg.DebugReg[i] = a
	}
	dbg.DebugReg[7] = breakpointDR7(len(addrs))
	if _, err := ioctlPtr(c.fd, kvmSetGuestDebug, unsafe.Pointer(&dbg)); err != nil {
		return &HvApiFailure{Op: "KVM_SET_GUEST_DEBUG", Err: err}
	}
	defer c.clearGuestDebug()
	return c.run(ticks)
}

func (c *vCPU) clearGuestDebug() {
	var dbg kvmGuestDebug
	ioctlPtr(c.fd, kvmSetGuestDebug, unsafe.Pointer(&dbg))
}

// breakpointDR7 builds the DR7 control value enabling local breakpoints
// 0..n-1 at 1-byte, execute-only granularity.
func breakpointDR7(n int) uint64 {
	var dr7 uint64
	for i := 0; i < n; i++ {
		dr7 |= 1 << (uint(i) * 2) // local enable bit for breakpoint i
	}
	return dr7
}
