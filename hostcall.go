//go:build linux && amd64

package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// argRegs is the System V AMD64 integer-argument register order.
var argRegs = [6]Reg{RegRDI, RegRSI, RegRDX, RegRCX, RegR8, RegR9}

// Vmcall sets the guest instruction pointer to addr, places up to six
// integer arguments per the System V AMD64 ABI, pushes a return address
// pointing at the exit trampoline, and runs the guest until it returns
// there (or faults, or halts). It runs with no wall-clock deadline; use
// TimedVmcall for one.
func (m *Machine) Vmcall(addr uint64, args ...uint64) (uint64, error) {
	return m.vmcall(addr, args, 0)
}

// TimedVmcall is Vmcall with a wall-clock budget in milliseconds.
func (m *Machine) TimedVmcall(addr uint64, timeoutMillis uint32, args ...uint64) (uint64, error) {
	return m.vmcall(addr, args, timeoutMillis)
}

func (m *Machine) vmcall(addr uint64, args []uint64, timeoutMillis uint32) (uint64, error) {
	if err := m.checkUsable(); err != nil {
		return 0, err
	}
	if len(args) > len(argRegs) {
		return 0, &BoundsExceeded{Reason: fmt.Sprintf("vmcall: at most %d integer arguments supported directly", len(argRegs))}
	}

	sp := m.stackAddress
	sp, err := m.stackPush(sp, m.exitAddress)
	if err != nil {
		return 0, err
	}

	regs, err := m.vcpu.GetRegs()
	if err != nil {
		return 0, err
	}
	for i, v := range args {
		if err := setRegField(&regs, argRegs[i], v); err != nil {
			return 0, err
		}
	}
	regs.RIP = addr
	regs.RSP = sp
	if err := m.vcpu.SetRegs(regs); err != nil {
		return 0, err
	}

	if err := m.vcpu.run(timeoutMillis); err != nil {
		m.poison(err)
		return 0, err
	}

	// The exit trampoline stashed the callee's real RAX to
	// hostcallReturnSlot before clobbering the register with the port-0
	// sentinel; read the stash rather than the now-overwritten register.
	buf := make([]byte, 8)
	if err := m.mem.copyFromGuest(buf, hostcallReturnSlot); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// entryAddressIfUsermode picks the reentry address once the guest has
// already completed its full entry pass and reached its usermode wait
// loop, else the full entry address. A fast path for a caller making
// many repeated host calls into an already-initialized guest.
//
// tinykvm derives this from the guest's current CS.DPL; this engine's
// kernel area uses a single flat, always-ring-3 GDT (see DESIGN.md), so
// DPL can't distinguish cold boot from a resumed guest here. m.booted,
// latched by the first call to this function (at the start of the first
// Run), stands in for that check instead.
func (m *Machine) entryAddressIfUsermode() (uint64, error) {
	if m.booted {
		return m.reentryAddress, nil
	}
	m.booted = true
	return m.entryAddress, nil
}

// stackPush pushes a uint64 onto the guest stack at sp, maintaining
// 16-byte alignment, and returns the new stack pointer.
func (m *Machine) stackPush(sp uint64, v uint64) (uint64, error) {
	sp -= 8
	sp &^= 0xf // keep 16-byte alignment at each push
	if err := m.mem.copyToGuest(sp, u64ToBytes(v), false); err != nil {
		return 0, err
	}
	return sp, nil
}

// stackPushBytes pushes an arbitrary byte buffer onto the guest stack,
// rounding the allocation up to maintain 16-byte alignment, and returns
// the guest address of the pushed datum.
func (m *Machine) stackPushBytes(sp uint64, data []byte) (newSP, addr uint64, err error) {
	n := alignUp(uint64(len(data)), 16)
	sp -= n
	if err := m.mem.copyToGuest(sp, data, false); err != nil {
		return 0, 0, err
	}
	return sp, sp, nil
}

// stackPushCString pushes a NUL-terminated copy of s onto the guest
// stack and returns the new stack pointer and the string's guest address.
func (m *Machine) stackPushCString(sp uint64, s string) (newSP, addr uint64, err error) {
	data := make([]byte, len(s)+1)
	copy(data, s)
	return m.stackPushBytes(sp, data)
}

func u64ToBytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
