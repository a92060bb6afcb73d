package service

import "testing"

func TestRegisterSupersedesPreviousConnection(t *testing.T) {
	registry := NewPresenceRegistry()

	oldConn := &fakeConn{}
	oldClient := NewClient("u1", oldConn)
	if superseded := registry.Register(oldClient); superseded {
		t.Fatalf("first registration reported superseded")
	}

	newConn := &fakeConn{}
	newClient := NewClient("u1", newConn)
	if superseded := registry.Register(newClient); !superseded {
		t.Fatalf("second registration did not report superseded")
	}
	if !oldConn.isClosed() {
		t.Fatalf("previous connection was not force-closed")
	}

	got, ok := registry.Lookup("u1")
	if !ok || got != newClient {
		t.Fatalf("registry does not point at the new connection")
	}
}

func TestUnregisterIsConditionalOnOwnership(t *testing.T) {
	registry := NewPresenceRegistry()

	oldClient := NewClient("u1", &fakeConn{})
	registry.Register(oldClient)
	newClient := NewClient("u1", &fakeConn{})
	registry.Register(newClient)

	// The superseded connection's teardown must not evict the newer one.
	if removed := registry.Unregister(oldClient); removed {
		t.Fatalf("stale client unregistered the live entry")
	}
	if !registry.IsOnline("u1") {
		t.Fatalf("user went offline after stale unregister")
	}

	if removed := registry.Unregister(newClient); !removed {
		t.Fatalf("live client failed to unregister")
	}
	if registry.IsOnline("u1") {
		t.Fatalf("user still online after unregister")
	}
	if removed := registry.Unregister(newClient); removed {
		t.Fatalf("second unregister was not a no-op")
	}
}

func TestViewingState(t *testing.T) {
	registry := NewPresenceRegistry()
	registry.Register(NewClient("u1", &fakeConn{}))

	if prev := registry.SetViewing("u1", "u2"); prev != "" {
		t.Fatalf("unexpected previous counterpart %q", prev)
	}
	if !registry.IsViewing("u1", "u2") {
		t.Fatalf("viewing state not recorded")
	}
	if registry.IsViewing("u1", "u3") {
		t.Fatalf("viewing reported for wrong counterpart")
	}

	if prev := registry.SetViewing("u1", "u3"); prev != "u2" {
		t.Fatalf("previous counterpart = %q, want u2", prev)
	}

	// Clearing with an empty counterpart never matches.
	registry.SetViewing("u1", "")
	if registry.IsViewing("u1", "") {
		t.Fatalf("empty counterpart must not count as viewing")
	}
}

func TestViewingForOfflineUserIsFalse(t *testing.T) {
	registry := NewPresenceRegistry()
	if prev := registry.SetViewing("ghost", "u2"); prev != "" {
		t.Fatalf("viewing recorded for offline user")
	}
	if registry.IsViewing("ghost", "u2") {
		t.Fatalf("offline user reported as viewing")
	}
}

func TestDeliverReportsPresence(t *testing.T) {
	registry := NewPresenceRegistry()
	conn := &fakeConn{}
	registry.Register(NewClient("u1", conn))

	if !registry.Deliver("u1", "ping", nil) {
		t.Fatalf("deliver to online user returned false")
	}
	if registry.Deliver("u2", "ping", nil) {
		t.Fatalf("deliver to offline user returned true")
	}
	if names := conn.eventNames(); len(names) != 1 || names[0] != "ping" {
		t.Fatalf("delivered events = %v", names)
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	registry := NewPresenceRegistry()
	connA := &fakeConn{}
	connB := &fakeConn{}
	registry.Register(NewClient("a", connA))
	registry.Register(NewClient("b", connB))

	registry.Broadcast("hello", nil, "a")

	if got := len(connA.eventNames()); got != 0 {
		t.Fatalf("originator received %d events", got)
	}
	if names := connB.eventNames(); len(names) != 1 || names[0] != "hello" {
		t.Fatalf("peer events = %v", names)
	}
}

func TestSnapshotListsOnlineUsers(t *testing.T) {
	registry := NewPresenceRegistry()
	registry.Register(NewClient("a", &fakeConn{}))
	registry.Register(NewClient("b", &fakeConn{}))

	snapshot := registry.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snapshot))
	}
	seen := map[string]bool{}
	for _, item := range snapshot {
		seen[item.UserID] = true
		if item.LastSeen.IsZero() {
			t.Fatalf("last_seen not populated for %s", item.UserID)
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("snapshot missing users: %v", seen)
	}
}
