//go:build linux && amd64

package hypervisor

import (
	"encoding/binary"
	"os"
	"testing"
)

// isCI reports whether tests are running under a CI runner, where nested
// virtualization and /dev/kvm access are typically unavailable.
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// requireKVM skips the calling test unless a usable /dev/kvm is present.
func requireKVM(t *testing.T) {
	t.Helper()
	if isCI() {
		t.Skip("skipping KVM-backed test under CI")
	}
	ok, err := Supported()
	if err != nil {
		t.Skipf("kvm support check failed: %v", err)
	}
	if !ok {
		t.Skip("/dev/kvm not supported on this host")
	}
}

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

// buildMinimalELF hand-assembles a single-segment, statically linked
// x86_64 ELF executable around code, loaded (and entered) at vaddr. There
// is no section header table, so AddressOf-style symbol lookups against a
// binary built this way always miss.
func buildMinimalELF(vaddr uint64, code []byte) []byte {
	headerLimit := elfHeaderSize + elfProgramHeaderSize
	out := make([]byte, headerLimit+len(code))

	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // little-endian
	out[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(out[16:], 2)              // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(out[18:], 62)              // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(out[20:], 1)               // e_version
	binary.LittleEndian.PutUint64(out[24:], vaddr)           // e_entry
	binary.LittleEndian.PutUint64(out[32:], elfHeaderSize)   // e_phoff
	binary.LittleEndian.PutUint16(out[52:], elfHeaderSize)   // e_ehsize
	binary.LittleEndian.PutUint16(out[54:], elfProgramHeaderSize) // e_phentsize
	binary.LittleEndian.PutUint16(out[56:], 1)               // e_phnum

	ph := out[elfHeaderSize:headerLimit]
	binary.LittleEndian.PutUint32(ph[0:], 1) // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 7) // p_flags = RWX
	binary.LittleEndian.PutUint64(ph[8:], uint64(headerLimit))
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[24:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)

	copy(out[headerLimit:], code)
	return out
}
