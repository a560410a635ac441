//go:build linux && amd64

package hypervisor

import (
	"testing"
	"time"
)

func TestMetricsRecordersAndReset(t *testing.T) {
	ResetMetrics()
	defer ResetMetrics()

	recordMachineCreate(10 * time.Millisecond)
	recordMachineCreate(20 * time.Millisecond)
	recordMachineDestroy()
	recordVCPURun(5 * time.Millisecond)
	recordFork()
	recordReset()
	recordBankPageFault()
	recordSyscallDispatch()
	recordTimeout()
	recordInstallSlot()
	recordDeleteSlot()
	recordRegisterOp()
	recordSecurityError()
	recordResourceError()

	m := GetMetrics()
	switch {
	case m.MachinesCreated != 2:
		t.Errorf("MachinesCreated = %d, want 2", m.MachinesCreated)
	case m.MachinesDestroyed != 1:
		t.Errorf("MachinesDestroyed = %d, want 1", m.MachinesDestroyed)
	case m.VCPURuns != 1:
		t.Errorf("VCPURuns = %d, want 1", m.VCPURuns)
	case m.Forks != 1:
		t.Errorf("Forks = %d, want 1", m.Forks)
	case m.Resets != 1:
		t.Errorf("Resets = %d, want 1", m.Resets)
	case m.BankPageFaults != 1:
		t.Errorf("BankPageFaults = %d, want 1", m.BankPageFaults)
	case m.SyscallDispatches != 1:
		t.Errorf("SyscallDispatches = %d, want 1", m.SyscallDispatches)
	case m.Timeouts != 1:
		t.Errorf("Timeouts = %d, want 1", m.Timeouts)
	case m.InstallSlotOps != 1:
		t.Errorf("InstallSlotOps = %d, want 1", m.InstallSlotOps)
	case m.DeleteSlotOps != 1:
		t.Errorf("DeleteSlotOps = %d, want 1", m.DeleteSlotOps)
	case m.RegisterOps != 1:
		t.Errorf("RegisterOps = %d, want 1", m.RegisterOps)
	case m.SecurityErrors != 1:
		t.Errorf("SecurityErrors = %d, want 1", m.SecurityErrors)
	case m.ResourceErrors != 1:
		t.Errorf("ResourceErrors = %d, want 1", m.ResourceErrors)
	}

	if m.AvgMachineCreateTime != 15*uint64(time.Millisecond) {
		t.Errorf("AvgMachineCreateTime = %d, want %d", m.AvgMachineCreateTime, 15*uint64(time.Millisecond))
	}

	ResetMetrics()
	m = GetMetrics()
	if m != (Metrics{}) {
		t.Errorf("GetMetrics() after ResetMetrics() = %+v, want zero value", m)
	}
}
