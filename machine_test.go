//go:build linux && amd64

package hypervisor

import "testing"

// cleanExitProgram writes 0x2a to ebx, then exits cleanly through the
// port-0 sentinel (mov eax,0xFFFF; out 0x0,eax; hlt never reached).
func cleanExitProgram() []byte {
	return []byte{
		0xBB, 0x2A, 0x00, 0x00, 0x00, // mov ebx, 0x2a
		0xB8, 0xFF, 0xFF, 0x00, 0x00, // mov eax, 0xFFFF
		0xE7, 0x00, // out 0x0, eax
		0xF4, // hlt
	}
}

func newTestMachine(t *testing.T, opts MachineOptions) *Machine {
	t.Helper()
	if opts.MaxMemory == 0 {
		opts.MaxMemory = 1 << 20
	}
	elf := buildMinimalELF(0x400000, cleanExitProgram())
	m, err := NewMachine(elf, opts)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMachineRunCleanExit(t *testing.T) {
	requireKVM(t)

	m := newTestMachine(t, MachineOptions{})
	if err := m.MigrateToThisThread(); err != nil {
		t.Fatalf("MigrateToThisThread: %v", err)
	}

	if err := m.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Stopped() {
		t.Error("Stopped() = false after a clean exit")
	}

	rbx, err := m.vcpu.GetReg(RegRBX)
	if err != nil {
		t.Fatalf("GetReg(RBX): %v", err)
	}
	if rbx != 0x2a {
		t.Errorf("RBX = 0x%x, want 0x2a", rbx)
	}

	// cleanExitProgram exits through its own inline mov eax,0xFFFF rather
	// than the shared vmcall exit trampoline, so ReturnValue reports that
	// sentinel directly; see hostcall_test.go for the vmcall return path,
	// which preserves a callee's real computed value instead.
	ret, err := m.ReturnValue()
	if err != nil {
		t.Fatalf("ReturnValue: %v", err)
	}
	if ret != 0xFFFF {
		t.Errorf("ReturnValue() = 0x%x, want 0xFFFF", ret)
	}
}

func TestNewMachineRejectsInvalidOptions(t *testing.T) {
	elf := buildMinimalELF(0x400000, cleanExitProgram())
	_, err := NewMachine(elf, MachineOptions{MaxMemory: 123})
	if err == nil {
		t.Fatal("NewMachine with unaligned MaxMemory = nil error, want one")
	}
}

func TestMachineCheckUsableAfterClose(t *testing.T) {
	requireKVM(t)

	m := newTestMachine(t, MachineOptions{})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.checkUsable(); err != ErrMachineClosed {
		t.Errorf("checkUsable() after Close = %v, want ErrMachineClosed", err)
	}
	if err := m.Run(0); err != ErrMachineClosed {
		t.Errorf("Run() after Close = %v, want ErrMachineClosed", err)
	}
	// Closing twice must stay a no-op.
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestMachinePoisonsOnMachineException(t *testing.T) {
	requireKVM(t)

	m := newTestMachine(t, MachineOptions{})
	m.poison(&MachineException{Reason: "halt from kernel space"})
	if err := m.checkUsable(); err != ErrMachinePoisoned {
		t.Errorf("checkUsable() after poisoning = %v, want ErrMachinePoisoned", err)
	}

	m2 := newTestMachine(t, MachineOptions{})
	m2.poison(&ProtectionViolation{Address: 0, Reason: "not a poisoning kind"})
	if err := m2.checkUsable(); err != nil {
		t.Errorf("checkUsable() after non-poisoning error = %v, want nil", err)
	}
}

func TestMmapAllocateBumpsCursorAndZeroes(t *testing.T) {
	requireKVM(t)

	m := newTestMachine(t, MachineOptions{})
	addr1, err := m.MmapAllocate(4096)
	if err != nil {
		t.Fatalf("MmapAllocate: %v", err)
	}
	if addr1 != m.HeapAddress()+mmapBrkMax {
		t.Errorf("first MmapAllocate = 0x%x, want heap base + BRK_MAX", addr1)
	}

	buf := make([]byte, 4096)
	if err := m.mem.copyFromGuest(buf, addr1); err != nil {
		t.Fatalf("copyFromGuest: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("mmap region not zeroed at offset %d", i)
		}
	}

	addr2, err := m.MmapAllocate(4096)
	if err != nil {
		t.Fatalf("MmapAllocate: %v", err)
	}
	if addr2 != addr1+4096 {
		t.Errorf("second MmapAllocate = 0x%x, want 0x%x", addr2, addr1+4096)
	}
}
