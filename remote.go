//go:build linux && amd64

package hypervisor

import "fmt"

// remoteLink is an optional pointer from one machine to another, plus the
// guest-virtual address above which the owning machine's faults are
// redirected to the peer instead of satisfied locally via CoW.
type remoteLink struct {
	peer        *Machine
	baseAddress uint64
	mapped      bool
}

// RemoteConnect wires m to other: guest-virtual addresses at or above the
// highest user address are treated as belonging to other, and a fault in
// that range traps to other's memory subsystem instead of allocating a
// bank page locally. When mapping is true, other's existing memory slots
// at or above that address are additionally installed read-only into m's
// own HV-API address space at mirrored guest-physical offsets, so a plain (non-faulting) access that
// already has a page table entry also resolves into the peer.
func (m *Machine) RemoteConnect(other *Machine, mapping bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other == nil {
		return fmt.Errorf("hypervisor: remote_connect: peer is nil")
	}

	link := &remoteLink{peer: other, baseAddress: defaultStackTop, mapped: mapping}

	if mapping {
		for _, s := range other.mem.snapshotSlots() {
			if s.guestPhys < link.baseAddress {
				continue // only the peer's high-half slots mirror in
			}
			if _, err := m.mem.installMemory(s.guestPhys, s.host, true); err != nil {
				return fmt.Errorf("hypervisor: remote_connect: mirror slot at 0x%x: %w", s.guestPhys, err)
			}
		}
	}

	m.remote = link
	return nil
}

// handleFault satisfies a page fault on a remote-marked address by
// resolving the faulting page against the peer's memory and installing a
// new slot in the local machine that shares the peer's host-backed page,
// then mapping it writable in the local page tables. This keeps the
// peer's backing storage as the single source of truth: writes through
// the new local mapping are visible to the peer and vice versa.
func (r *remoteLink) handleFault(vc *vCPU, addr uint64) error {
	peerHost, err := r.peer.mem.hostAt(addr, uint64(pageSize()))
	if err != nil {
		return &MachineException{Reason: fmt.Sprintf("remote fault at 0x%x: peer has no backing page: %v", addr, err)}
	}

	m := vc.machine
	if _, err := m.mem.installMemory(addr, peerHost, false); err != nil {
		// Slot already installed by a prior fault on the same page is not
		// an error; any other overlap is.
		if err != ErrSlotOverlap {
			return err
		}
	}

	b := newPageTableBuilder(m.mem)
	return b.mapPage(addr, addr, pteUS|pteRW)
}
