//go:build linux && amd64

package hypervisor

import "testing"

func TestSupportedIsConsistent(t *testing.T) {
	ok1, err1 := Supported()
	if err1 != nil {
		t.Skipf("Supported() returned an error in this environment: %v", err1)
	}
	ok2, err2 := Supported()
	if err2 != nil {
		t.Fatalf("Supported() was inconsistent across calls: first nil, then %v", err2)
	}
	if ok1 != ok2 {
		t.Errorf("Supported() = %v then %v, want a stable answer within one process", ok1, ok2)
	}
	t.Logf("KVM supported on this host: %v", ok1)
}
