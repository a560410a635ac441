// Package hypervisor embeds a minimal KVM-backed execution engine for
// running untrusted, statically-linked 64-bit guest programs on Linux
// amd64 hosts.
//
// It loads a guest image into a fresh long-mode address space, handles
// guest syscalls and faults by trapping to the host, supports fast forking
// of a prepared master guest via copy-on-write memory banks, enforces
// wall-clock execution timeouts, and lets the host call into guest code
// with arguments placed per the System V AMD64 calling convention.
//
// # Requirements
//
//   - Linux amd64 with /dev/kvm accessible (member of the kvm group, or root)
//   - A loaded ELF (or ELF-like) image with a 64-bit entry point
//
// # Basic usage
//
// Build a machine from a binary image and call an exported function:
//
//	m, err := hypervisor.NewMachine(binary, hypervisor.MachineOptions{
//		MaxMemory: 64 << 20,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//
//	addr, err := m.AddressOf("compute")
//	if err != nil {
//		log.Fatal(err)
//	}
//	ret, err := m.Vmcall(addr, 6, 7)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(ret)
//
// Forking a prepared master is cheap:
//
//	if err := master.PrepareCopyOnWrite(0, master.HeapAddress()); err != nil {
//		log.Fatal(err)
//	}
//	child, err := hypervisor.NewChildMachine(master, hypervisor.MachineOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer child.Close()
//
// # Error handling
//
// All errors implement the standard Go error interface. Guest-execution
// failures surface as one of MachineException, TimeoutException,
// ProtectionViolation, BoundsExceeded, or HvApiFailure (see hverror.go). A
// Machine that has returned MachineException or TimeoutException is
// poisoned: only ResetTo or Close are valid afterward.
//
// # Resource management
//
// A Machine owns HV-API handles (the VM fd, one or more vCPU fds, the
// per-thread interval timer) that must be released via Close. A Machine is
// thread-affine: its vCPU fd and timer belong to the goroutine (pinned to
// an OS thread) that last called MigrateToThisThread, and must never be
// driven from two goroutines concurrently.
//
// # Platform support
//
// Linux amd64 only. Other platforms return "not supported" errors from
// every exported constructor (see stubs.go).
package hypervisor
