package session

import (
	"testing"
	"time"
)

func TestGetOrCreateRoomReturnsSameRoom(t *testing.T) {
	reg := NewRegistry("test-secret")
	defer reg.Shutdown()

	first := reg.GetOrCreateRoom("room-1", "https://meet.example.com/room-1")
	second := reg.GetOrCreateRoom("room-1", "ignored-on-existing-room")

	if first != second {
		t.Fatal("GetOrCreateRoom returned a different room for the same id")
	}
	if first.FallbackURL != "https://meet.example.com/room-1" {
		t.Errorf("fallback URL = %q, want the one set at creation", first.FallbackURL)
	}

	other := reg.GetOrCreateRoom("room-2", "")
	if other == first {
		t.Fatal("distinct room ids must map to distinct rooms")
	}
}

func TestGetRoomUnknownIDReturnsNil(t *testing.T) {
	reg := NewRegistry("test-secret")
	defer reg.Shutdown()

	if room := reg.GetRoom("no-such-room"); room != nil {
		t.Fatalf("GetRoom for unknown id = %v, want nil", room)
	}
}

func TestStoppedRoomIsRemovedFromRegistry(t *testing.T) {
	reg := NewRegistry("test-secret")
	defer reg.Shutdown()

	room := reg.GetOrCreateRoom("room-1", "")
	room.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for reg.GetRoom("room-1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("stopped room was never removed from the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A later join for the same appointment gets a fresh room.
	if reg.GetOrCreateRoom("room-1", "") == room {
		t.Fatal("re-created room must not be the stopped instance")
	}
}

func TestGetOrCreateRoomReplacesStoppedRoomBeforeCleanup(t *testing.T) {
	reg := NewRegistry("test-secret")
	defer reg.Shutdown()

	stale := reg.GetOrCreateRoom("room-1", "https://meet.example.com/room-1")
	stale.Stop()

	// Even before the cleanup loop removes the entry, the registry must hand
	// out a live room, never the one whose loop is gone.
	fresh := reg.GetOrCreateRoom("room-1", "https://meet.example.com/room-1")
	if fresh == stale {
		t.Fatal("GetOrCreateRoom returned a stopped room")
	}
	if fresh.Stopped() {
		t.Fatal("replacement room must be running")
	}

	// The stale room's late cleanup notification must not evict the
	// replacement.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := reg.GetRoom("room-1"); got != fresh {
			t.Fatalf("registry maps room-1 to %v, want the replacement", got)
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}
