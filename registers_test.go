//go:build linux && amd64

package hypervisor

import "testing"

func TestRegFieldRoundTrip(t *testing.T) {
	regs := []Reg{
		RegRAX, RegRBX, RegRCX, RegRDX, RegRSI, RegRDI, RegRSP, RegRBP,
		RegR8, RegR9, RegR10, RegR11, RegR12, RegR13, RegR14, RegR15,
		RegRIP, RegRFLAGS,
	}
	for _, r := range regs {
		var k kvmRegs
		want := uint64(0x1122334455667788) ^ uint64(r)<<32
		if err := setRegField(&k, r, want); err != nil {
			t.Fatalf("setRegField(%d): %v", r, err)
		}
		got, err := regField(&k, r)
		if err != nil {
			t.Fatalf("regField(%d): %v", r, err)
		}
		if got != want {
			t.Errorf("register %d round-trip = 0x%x, want 0x%x", r, got, want)
		}
	}
}

func TestRegFieldInvalidRegister(t *testing.T) {
	var k kvmRegs
	const bogus Reg = 999
	if _, err := regField(&k, bogus); err == nil {
		t.Error("regField(bogus) = nil error, want one")
	}
	if err := setRegField(&k, bogus, 1); err == nil {
		t.Error("setRegField(bogus) = nil error, want one")
	}
}
