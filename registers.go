//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"unsafe"
)

// Reg names the general-purpose and instruction-pointer registers
// reachable through GetReg/SetReg. Unlike the HV-API this engine was
// modeled after, KVM has no single-register get/set ioctl: GetRegs/SetRegs
// always exchange the whole kvm_regs block, and GetReg/SetReg are
// convenience wrappers built on top of that.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
)

// GetRegs fetches the vCPU's general-purpose register block.
func (c *vCPU) GetRegs() (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlPtr(c.fd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		recordResourceError()
		return regs, &HvApiFailure{Op: "KVM_GET_REGS", Err: err}
	}
	recordRegisterOp()
	return regs, nil
}

// SetRegs writes the vCPU's general-purpose register block.
func (c *vCPU) SetRegs(regs kvmRegs) error {
	if _, err := ioctlPtr(c.fd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		recordResourceError()
		return &HvApiFailure{Op: "KVM_SET_REGS", Err: err}
	}
	recordRegisterOp()
	return nil
}

// GetSregs fetches the vCPU's special/segment register block (cr0-cr8,
// efer, segment descriptors, GDT/IDT).
func (c *vCPU) GetSregs() (kvmSregs, error) {
	var sregs kvmSregs
	if _, err := ioctlPtr(c.fd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		recordResourceError()
		return sregs, &HvApiFailure{Op: "KVM_GET_SREGS", Err: err}
	}
	recordRegisterOp()
	return sregs, nil
}

// SetSregs writes the vCPU's special/segment register block.
func (c *vCPU) SetSregs(sregs kvmSregs) error {
	if _, err := ioctlPtr(c.fd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		recordResourceError()
		return &HvApiFailure{Op: "KVM_SET_SREGS", Err: err}
	}
	recordRegisterOp()
	return nil
}

// GetReg reads a single general-purpose register, fetching the whole
// block under the hood.
func (c *vCPU) GetReg(r Reg) (uint64, error) {
	regs, err := c.GetRegs()
	if err != nil {
		return 0, err
	}
	return regField(&regs, r)
}

// SetReg writes a single general-purpose register, performing a
// read-modify-write of the whole block under the hood.
func (c *vCPU) SetReg(r Reg, v uint64) error {
	regs, err := c.GetRegs()
	if err != nil {
		return err
	}
	if err := setRegField(&regs, r, v); err != nil {
		return err
	}
	return c.SetRegs(regs)
}

func (c *vCPU) GetPC() (uint64, error) { return c.GetReg(RegRIP) }
func (c *vCPU) SetPC(v uint64) error   { return c.SetReg(RegRIP, v) }

func (c *vCPU) GetSP() (uint64, error) { return c.GetReg(RegRSP) }
func (c *vCPU) SetSP(v uint64) error   { return c.SetReg(RegRSP, v) }

func regField(regs *kvmRegs, r Reg) (uint64, error) {
	switch r {
	case RegRAX:
		return regs.RAX, nil
	case RegRBX:
		return regs.RBX, nil
	case RegRCX:
		return regs.RCX, nil
	case RegRDX:
		return regs.RDX, nil
	case RegRSI:
		return regs.RSI, nil
	case RegRDI:
		return regs.RDI, nil
	case RegRSP:
		return regs.RSP, nil
	case RegRBP:
		return regs.RBP, nil
	case RegR8:
		return regs.R8, nil
	case RegR9:
		return regs.R9, nil
	case RegR10:
		return regs.R10, nil
	case RegR11:
		return regs.R11, nil
	case RegR12:
		return regs.R12, nil
	case RegR13:
		return regs.R13, nil
	case RegR14:
		return regs.R14, nil
	case RegR15:
		return regs.R15, nil
	case RegRIP:
		return regs.RIP, nil
	case RegRFLAGS:
		return regs.RFLAGS, nil
	default:
		return 0, fmt.Errorf("hypervisor: invalid register %d", r)
	}
}

func setRegField(regs *kvmRegs, r Reg, v uint64) error {
	switch r {
	case RegRAX:
		regs.RAX = v
	case RegRBX:
		regs.RBX = v
	case RegRCX:
		regs.RCX = v
	case RegRDX:
		regs.RDX = v
	case RegRSI:
		regs.RSI = v
	case RegRDI:
		regs.RDI = v
	case RegRSP:
		regs.RSP = v
	case RegRBP:
		regs.RBP = v
	case RegR8:
		regs.R8 = v
	case RegR9:
		regs.R9 = v
	case RegR10:
		regs.R10 = v
	case RegR11:
		regs.R11 = v
	case RegR12:
		regs.R12 = v
	case RegR13:
		regs.R13 = v
	case RegR14:
		regs.R14 = v
	case RegR15:
		regs.R15 = v
	case RegRIP:
		regs.RIP = v
	case RegRFLAGS:
		regs.RFLAGS = v
	default:
		return fmt.Errorf("hypervisor: invalid register %d", r)
	}
	return nil
}
