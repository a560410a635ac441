//go:build linux && amd64

package hypervisor

import (
	"bytes"
	"testing"
)

func TestRemoteConnectAndHandleFault(t *testing.T) {
	requireKVM(t)

	local := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	peer := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})

	const sharedAddr = 0x900000
	peerBuf := bytes.Repeat([]byte{0xAB}, pageSize())
	if _, err := peer.mem.installMemory(sharedAddr, peerBuf, false); err != nil {
		t.Fatalf("installMemory on peer: %v", err)
	}

	if err := local.RemoteConnect(peer, false); err != nil {
		t.Fatalf("RemoteConnect: %v", err)
	}
	if local.remote == nil || local.remote.peer != peer {
		t.Fatal("RemoteConnect did not record the peer link")
	}

	if err := local.remote.handleFault(local.vcpu, sharedAddr); err != nil {
		t.Fatalf("handleFault: %v", err)
	}

	got := make([]byte, len(peerBuf))
	if err := local.mem.copyFromGuest(got, sharedAddr); err != nil {
		t.Fatalf("copyFromGuest on local after handleFault: %v", err)
	}
	if !bytes.Equal(got, peerBuf) {
		t.Errorf("local read %x.., want peer's content %x..", got[:4], peerBuf[:4])
	}

	// The mapping shares the peer's backing page directly: a local write
	// is visible through the peer's own slice.
	changed := bytes.Repeat([]byte{0xCD}, pageSize())
	if err := local.mem.copyToGuest(sharedAddr, changed, false); err != nil {
		t.Fatalf("copyToGuest on local: %v", err)
	}
	if !bytes.Equal(peerBuf, changed) {
		t.Error("write through the local remote mapping was not visible in the peer's backing buffer")
	}
}

func TestRemoteHandleFaultWithoutPeerBacking(t *testing.T) {
	requireKVM(t)

	local := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	peer := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})

	if err := local.RemoteConnect(peer, false); err != nil {
		t.Fatalf("RemoteConnect: %v", err)
	}

	const unbackedAddr = 0x900000
	if err := local.remote.handleFault(local.vcpu, unbackedAddr); err == nil {
		t.Error("handleFault against an address the peer never backed = nil error, want one")
	}
}

func TestRemoteConnectRejectsNilPeer(t *testing.T) {
	requireKVM(t)

	local := newTestMachine(t, MachineOptions{MaxMemory: 1 << 20})
	if err := local.RemoteConnect(nil, false); err == nil {
		t.Error("RemoteConnect(nil, ...) = nil error, want one")
	}
}
