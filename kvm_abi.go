//go:build linux && amd64

package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl number construction, following the same asm-generic/ioctl.h
// encoding the kernel uses (dir:2 | size:14 | type:8 | nr:8).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIOCType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func _IO(nr uintptr) uintptr                 { return ioc(iocNone, nr, 0) }
func _IOW(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func _IOR(nr uintptr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func _IOWR(nr uintptr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Well-known KVM ioctl numbers (linux/kvm.h). Only the subset this engine
// drives is reproduced here.
var (
	kvmGetAPIVersion    = _IO(0x00)
	kvmCreateVM         = _IO(0x01)
	kvmGetVCPUMmapSize  = _IO(0x04)
	kvmCreateVCPU       = _IO(0x41)
	kvmSetUserMemRegion = _IOW(0x46, unsafe.Sizeof(kvmUserspaceMemoryRegion{}))
	kvmSetTSSAddr       = _IO(0x47)
	kvmRunIoctl         = _IO(0x80)
	kvmGetRegs          = _IOR(0x81, unsafe.Sizeof(kvmRegs{}))
	kvmSetRegs          = _IOW(0x82, unsafe.Sizeof(kvmRegs{}))
	kvmGetSregs         = _IOR(0x83, unsafe.Sizeof(kvmSregs{}))
	kvmSetSregs         = _IOW(0x84, unsafe.Sizeof(kvmSregs{}))
	kvmTranslate        = _IOWR(0x85, unsafe.Sizeof(kvmTranslation{}))
	kvmSetGuestDebug    = _IOW(0x9b, unsafe.Sizeof(kvmGuestDebug{}))
)

const kvmAPIVersion = 12

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)

// kvmRegs mirrors struct kvm_regs.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// kvmDtable mirrors struct kvm_dtable (used for GDT/IDT).
type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const nrInterrupts = 256

// kvmSregs mirrors struct kvm_sregs.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS  kvmSegment
	TR, LDT                 kvmSegment
	GDT, IDT                kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [(nrInterrupts + 63) / 64]uint64
}

// kvmTranslation mirrors struct kvm_translation.
type kvmTranslation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// kvmGuestDebug mirrors struct kvm_guest_debug (x86_64 arch payload).
type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

const (
	kvmGuestDebugEnable     = 1 << 0
	kvmGuestDebugSingleStep = 1 << 16
	kvmGuestDebugUseHWBP    = 1 << 17
)

// kvmExitIO mirrors the "io" member of the kvm_run exit-data union.
type kvmExitIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

const (
	kvmExitIODirOut = 0
	kvmExitIODirIn  = 1
)

// kvmExitMMIO mirrors the "mmio" member of the kvm_run exit-data union.
type kvmExitMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// kvmExitFailEntry mirrors the "fail_entry" member.
type kvmExitFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// Exit reasons (linux/kvm.h KVM_EXIT_*).
const (
	kvmExitUnknown         = 0
	kvmExitException       = 1
	kvmExitIOReason        = 2
	kvmExitHypercall       = 3
	kvmExitDebug           = 4
	kvmExitHLT             = 5
	kvmExitMMIOReason      = 6
	kvmExitIRQWindowOpen   = 7
	kvmExitShutdown        = 8
	kvmExitFailEntryReason = 9
	kvmExitIntr            = 10
	kvmExitInternalError   = 17
)

// kvmRun mirrors the head of the mmap'd struct kvm_run; the exit-data union
// is the exitData field, at byte offset 32.
type kvmRun struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	_                          uint16
	CR8                        uint64
	ApicBase                   uint64

	exitData [256]byte

	KVMValidRegs uint64
	KVMDirtyRegs uint64
	_            [2048]byte
}

func (r *kvmRun) io() *kvmExitIO     { return (*kvmExitIO)(unsafe.Pointer(&r.exitData[0])) }
func (r *kvmRun) mmio() *kvmExitMMIO { return (*kvmExitMMIO)(unsafe.Pointer(&r.exitData[0])) }
func (r *kvmRun) failEntry() *kvmExitFailEntry {
	return (*kvmExitFailEntry)(unsafe.Pointer(&r.exitData[0]))
}

// ioExitData returns the raw bytes written/read at an IO exit, located
// inside the run page itself at io().DataOffset.
func (r *kvmRun) ioExitData() []byte {
	io := r.io()
	base := unsafe.Add(unsafe.Pointer(r), io.DataOffset)
	size := int(io.Size) * int(io.Count)
	return unsafe.Slice((*byte)(base), size)
}

func ioctlNoArg(fd uintptr, req uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func ioctlPtr(fd uintptr, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}
