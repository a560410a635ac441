package hypervisor

import (
	"errors"
	"strings"
	"testing"
)

func TestMachineExceptionError(t *testing.T) {
	e := &MachineException{Reason: "halt from kernel space"}
	if got := e.Error(); !strings.Contains(got, "halt from kernel space") {
		t.Errorf("Error() = %q, want it to contain the reason", got)
	}
	if strings.Contains(e.Error(), "code") {
		t.Errorf("Error() = %q, should omit code when zero", e.Error())
	}

	withCode := &MachineException{Reason: "fail entry", Code: 7}
	if got := withCode.Error(); !strings.Contains(got, "code 7") {
		t.Errorf("Error() = %q, want it to mention the code", got)
	}
}

func TestTimeoutExceptionError(t *testing.T) {
	e := &TimeoutException{Ticks: 250}
	if got := e.Error(); !strings.Contains(got, "250") {
		t.Errorf("Error() = %q, want it to mention the tick budget", got)
	}
}

func TestProtectionViolationError(t *testing.T) {
	e := &ProtectionViolation{Address: 0x1000, Reason: "unmapped"}
	got := e.Error()
	if !strings.Contains(got, "0x1000") || !strings.Contains(got, "unmapped") {
		t.Errorf("Error() = %q, want address and reason", got)
	}
}

func TestBoundsExceededError(t *testing.T) {
	e := &BoundsExceeded{Reason: "too many descriptors"}
	if got := e.Error(); !strings.Contains(got, "too many descriptors") {
		t.Errorf("Error() = %q, want it to contain the reason", got)
	}
}

func TestHvApiFailureErrorAndUnwrap(t *testing.T) {
	inner := errors.New("device busy")
	e := &HvApiFailure{Op: "KVM_CREATE_VM", Err: inner}

	got := e.Error()
	if !strings.Contains(got, "KVM_CREATE_VM") || !strings.Contains(got, "device busy") {
		t.Errorf("Error() = %q, want op and inner error", got)
	}
	if !errors.Is(e, inner) {
		t.Errorf("errors.Is(e, inner) = false, want true via Unwrap")
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrMachineClosed,
		ErrMachinePoisoned,
		ErrMachineRunning,
		ErrInvalidAlignment,
		ErrNotForkable,
		ErrSlotOverlap,
		ErrNoRemotePeer,
	}
	for i, a := range sentinels {
		if a == nil {
			t.Fatalf("sentinel %d is nil", i)
		}
		for j, b := range sentinels {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %d unexpectedly matches sentinel %d", i, j)
			}
		}
	}
}
