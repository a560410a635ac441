//go:build !linux || !amd64

package hypervisor

import "fmt"

var errUnsupported = fmt.Errorf("hypervisor: not supported on this platform (requires Linux/amd64 and /dev/kvm)")

// Supported reports whether this platform can run the engine. Always
// false outside Linux/amd64; the real check (opening /dev/kvm and
// comparing KVM_GET_API_VERSION) only exists on the supported build.
func Supported() (bool, error) {
	return false, errUnsupported
}

// Machine is an opaque, unusable placeholder outside Linux/amd64; every
// method that returns an error reports errUnsupported, and the rest return
// zero values or do nothing. Kept so that code importing this
// package compiles on other platforms without build-tag gymnastics.
type Machine struct{}

func NewMachine(binary []byte, opts MachineOptions) (*Machine, error) {
	return nil, errUnsupported
}

func NewChildMachine(master *Machine, options MachineOptions) (*Machine, error) {
	return nil, errUnsupported
}

func (m *Machine) Close() error { return errUnsupported }

func (m *Machine) Run(timeoutMillis uint32) error { return errUnsupported }

func (m *Machine) Vmcall(addr uint64, args ...uint64) (uint64, error) {
	return 0, errUnsupported
}

func (m *Machine) TimedVmcall(addr uint64, timeoutMillis uint32, args ...uint64) (uint64, error) {
	return 0, errUnsupported
}

func (m *Machine) Stop(v bool)  {}
func (m *Machine) Stopped() bool { return true }

func (m *Machine) ReturnValue() (uint64, error) { return 0, errUnsupported }

func (m *Machine) AddressOf(name string) (uint64, error) { return 0, errUnsupported }

func (m *Machine) StartAddress() uint64     { return 0 }
func (m *Machine) HeapAddress() uint64      { return 0 }
func (m *Machine) StackAddress() uint64     { return 0 }
func (m *Machine) KernelEndAddress() uint64 { return 0 }
func (m *Machine) EntryAddress() uint64     { return 0 }
func (m *Machine) ReentryAddress() uint64   { return 0 }
func (m *Machine) ExitAddress() uint64      { return 0 }

func (m *Machine) SetUserdata(v any) {}
func (m *Machine) Userdata() any     { return nil }

func (m *Machine) SetSymbolResolver(f func(addr uint64) string) {}

func (m *Machine) MmapAllocate(size uint64) (uint64, error) { return 0, errUnsupported }

func (m *Machine) MigrateToThisThread() error { return errUnsupported }

func (m *Machine) PrepareCopyOnWrite(maxWorkMem, sharedBoundary uint64) error {
	return errUnsupported
}

func (m *Machine) ResetTo(master *Machine, options MachineOptions) error { return errUnsupported }

func (m *Machine) SetMainMemoryWritable(writable bool) error { return errUnsupported }

func (m *Machine) RemoteConnect(other *Machine, mapping bool) error { return errUnsupported }
