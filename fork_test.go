//go:build linux && amd64

package hypervisor

import (
	"bytes"
	"testing"
)

func TestForkCoWDivergesFromMaster(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	testAddr := master.HeapAddress()
	original := []byte("original-16bytes")
	if err := master.mem.copyToGuest(testAddr, original, false); err != nil {
		t.Fatalf("copyToGuest on master: %v", err)
	}

	if err := master.PrepareCopyOnWrite(1<<16, 0); err != nil {
		t.Fatalf("PrepareCopyOnWrite: %v", err)
	}

	child, err := NewChildMachine(master, MachineOptions{MaxWorkMemory: 1 << 16})
	if err != nil {
		t.Fatalf("NewChildMachine: %v", err)
	}
	t.Cleanup(func() { child.Close() })

	// The child inherits master's registers.
	masterRegs, err := master.vcpu.GetRegs()
	if err != nil {
		t.Fatalf("master GetRegs: %v", err)
	}
	childRegs, err := child.vcpu.GetRegs()
	if err != nil {
		t.Fatalf("child GetRegs: %v", err)
	}
	if childRegs.RIP != masterRegs.RIP || childRegs.RSP != masterRegs.RSP {
		t.Errorf("child regs = %+v, want cloned from master %+v", childRegs, masterRegs)
	}

	buf := make([]byte, len(original))
	if err := child.mem.copyFromGuest(buf, testAddr); err != nil {
		t.Fatalf("copyFromGuest on child: %v", err)
	}
	if !bytes.Equal(buf, original) {
		t.Fatalf("child read %q before any write, want %q", buf, original)
	}

	diverged := []byte("diverged-16byte!")
	if err := child.mem.copyToGuest(testAddr, diverged, false); err != nil {
		t.Fatalf("copyToGuest on child: %v", err)
	}

	if err := child.mem.copyFromGuest(buf, testAddr); err != nil {
		t.Fatalf("copyFromGuest on child after write: %v", err)
	}
	if !bytes.Equal(buf, diverged) {
		t.Errorf("child read %q after its own write, want %q", buf, diverged)
	}

	masterBuf := make([]byte, len(original))
	if err := master.mem.copyFromGuest(masterBuf, testAddr); err != nil {
		t.Fatalf("copyFromGuest on master after child diverged: %v", err)
	}
	if !bytes.Equal(masterBuf, original) {
		t.Errorf("master read %q after child's write, want unchanged %q", masterBuf, original)
	}
}

func TestResetToRestoresMasterState(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	testAddr := master.HeapAddress()
	original := []byte("original-16bytes")
	if err := master.mem.copyToGuest(testAddr, original, false); err != nil {
		t.Fatalf("copyToGuest on master: %v", err)
	}
	if err := master.PrepareCopyOnWrite(1<<16, 0); err != nil {
		t.Fatalf("PrepareCopyOnWrite: %v", err)
	}

	child, err := NewChildMachine(master, MachineOptions{MaxWorkMemory: 1 << 16})
	if err != nil {
		t.Fatalf("NewChildMachine: %v", err)
	}
	t.Cleanup(func() { child.Close() })

	if err := child.mem.copyToGuest(testAddr, []byte("diverged-16byte!"), false); err != nil {
		t.Fatalf("copyToGuest on child: %v", err)
	}

	if err := child.ResetTo(master, MachineOptions{MaxWorkMemory: 1 << 16}); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}

	buf := make([]byte, len(original))
	if err := child.mem.copyFromGuest(buf, testAddr); err != nil {
		t.Fatalf("copyFromGuest on child after reset: %v", err)
	}
	if !bytes.Equal(buf, original) {
		t.Errorf("child read %q after ResetTo, want master's current %q (reset must rebuild page tables, not just the bank)", buf, original)
	}

	// A second divergent write must still CoW cleanly after reset.
	if err := child.mem.copyToGuest(testAddr, []byte("post-reset-write"), false); err != nil {
		t.Fatalf("copyToGuest after reset: %v", err)
	}
	masterBuf := make([]byte, len(original))
	if err := master.mem.copyFromGuest(masterBuf, testAddr); err != nil {
		t.Fatalf("copyFromGuest on master: %v", err)
	}
	if !bytes.Equal(masterBuf, original) {
		t.Errorf("master read %q after post-reset child write, want unchanged %q", masterBuf, original)
	}
}

func TestResetToRejectsUnforkedMachine(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	plain := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})

	if err := plain.ResetTo(master, MachineOptions{}); err != ErrNotForkable {
		t.Errorf("ResetTo on a plain machine = %v, want ErrNotForkable", err)
	}
}

func TestNewChildMachineRequiresPreparedMaster(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	if _, err := NewChildMachine(master, MachineOptions{MaxWorkMemory: 1 << 16}); err != ErrNotForkable {
		t.Errorf("NewChildMachine on an unprepared master = %v, want ErrNotForkable", err)
	}
}

func TestBankedMemoryPagesCountsDistinctFaultedPages(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	if err := master.PrepareCopyOnWrite(1<<16, 0); err != nil {
		t.Fatalf("PrepareCopyOnWrite: %v", err)
	}

	child, err := NewChildMachine(master, MachineOptions{MaxWorkMemory: 1 << 16})
	if err != nil {
		t.Fatalf("NewChildMachine: %v", err)
	}
	t.Cleanup(func() { child.Close() })

	if got := child.BankedMemoryPages(); got != 0 {
		t.Fatalf("BankedMemoryPages() before any write = %d, want 0", got)
	}

	base := child.HeapAddress()
	for i := uint64(0); i < 4; i++ {
		addr := base + i*uint64(pageSize())
		if err := child.mem.copyToGuest(addr, []byte("x"), false); err != nil {
			t.Fatalf("copyToGuest at page %d: %v", i, err)
		}
	}
	if got := child.BankedMemoryPages(); got != 4 {
		t.Errorf("BankedMemoryPages() after writes to 4 distinct pages = %d, want 4", got)
	}

	// A second write within an already-banked page must not allocate a
	// second bank page for it.
	if err := child.mem.copyToGuest(base, []byte("y"), false); err != nil {
		t.Fatalf("copyToGuest repeat write: %v", err)
	}
	if got := child.BankedMemoryPages(); got != 4 {
		t.Errorf("BankedMemoryPages() after a repeat write to a banked page = %d, want 4", got)
	}
}

func TestShortLivedOptionShrinksBankGrowthIncrement(t *testing.T) {
	requireKVM(t)

	master := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	if err := master.PrepareCopyOnWrite(1<<20, 0); err != nil {
		t.Fatalf("PrepareCopyOnWrite: %v", err)
	}

	child, err := NewChildMachine(master, MachineOptions{MaxWorkMemory: 1 << 20, ShortLived: true})
	if err != nil {
		t.Fatalf("NewChildMachine: %v", err)
	}
	t.Cleanup(func() { child.Close() })

	if got := child.mem.bank.growthPages; got != 1 {
		t.Errorf("ShortLived child's bank growthPages = %d, want 1", got)
	}

	if err := child.mem.copyToGuest(child.HeapAddress(), []byte("x"), false); err != nil {
		t.Fatalf("copyToGuest: %v", err)
	}
	if got := len(child.mem.bank.slots); got != 1 {
		t.Errorf("bank slot count after first fault = %d, want 1", got)
	}
	if got := len(child.mem.bank.slots[0].host); got != pageSize() {
		t.Errorf("ShortLived bank slot size = %d, want exactly one page (%d)", got, pageSize())
	}
}
