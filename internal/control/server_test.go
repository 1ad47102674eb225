package control

import (
	"path/filepath"
	"testing"
	"time"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			Realm:         "example.org",
			UptimeSeconds: 42.5,
			Allocations:   1,
			PortsInUse:    1,
			NoncesTracked: 2,
			Peers: []AllocationStatus{
				{
					ClientAddr:   "198.51.100.5:4000",
					Transport:    "udp",
					Username:     "alice",
					RelayedAddr:  "203.0.113.1:49300",
					CreatedAt:    time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
					ExpiresAt:    time.Date(2026, 2, 12, 10, 10, 0, 0, time.UTC),
					Permissions:  1,
					ChannelBinds: 0,
				},
			},
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.Realm != "example.org" {
		t.Errorf("Realm = %q, want %q", status.Realm, "example.org")
	}
	if status.Allocations != 1 {
		t.Errorf("Allocations = %d, want 1", status.Allocations)
	}
	if len(status.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(status.Peers))
	}
	if status.Peers[0].Username != "alice" {
		t.Errorf("Peers[0].Username = %q, want %q", status.Peers[0].Username, "alice")
	}
	if status.Peers[0].RelayedAddr != "203.0.113.1:49300" {
		t.Errorf("Peers[0].RelayedAddr = %q, want %q", status.Peers[0].RelayedAddr, "203.0.113.1:49300")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
