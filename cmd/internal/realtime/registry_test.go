package realtime

import (
	"log/slog"
	"testing"

	v1 "coopchat/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestConn(t *testing.T, id string, userID int64, queue int) *Connection {
	t.Helper()
	return NewConnection(id, userID, "user-"+id, queue)
}

func recvEvent(t *testing.T, c *Connection) v1.Event {
	t.Helper()
	select {
	case ev := <-c.Send:
		return ev
	default:
		t.Fatalf("expected queued event on %s, got none", c.ID)
		return v1.Event{}
	}
}

func assertNoEvent(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case ev := <-c.Send:
		t.Fatalf("unexpected event on %s: type=%q", c.ID, ev.Type)
	default:
	}
}

func TestRegistryConnectDuplicateID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	if err := r.Connect(newTestConn(t, "c1", 1, 8)); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := r.Connect(newTestConn(t, "c1", 2, 8)); err != ErrDuplicateConnection {
		t.Fatalf("second connect: got %v, want ErrDuplicateConnection", err)
	}
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	sender := newTestConn(t, "sender", 1, 8)
	peerA := newTestConn(t, "peer-a", 2, 8)
	peerB := newTestConn(t, "peer-b", 3, 8)

	for _, c := range []*Connection{sender, peerA, peerB} {
		if err := r.Connect(c); err != nil {
			t.Fatalf("connect %s: %v", c.ID, err)
		}
		r.JoinRoom(c.ID, 7)
	}

	r.Broadcast(7, v1.Event{Type: v1.TypeTyping, ChatID: 7, Username: "user-sender"}, sender.ID)

	for _, c := range []*Connection{peerA, peerB} {
		ev := recvEvent(t, c)
		if ev.Type != v1.TypeTyping || ev.ChatID != 7 {
			t.Fatalf("peer %s: got type=%q chat_id=%d", c.ID, ev.Type, ev.ChatID)
		}
	}
	assertNoEvent(t, sender)
}

func TestRegistryBroadcastScopedToRoom(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	member := newTestConn(t, "member", 1, 8)
	outsider := newTestConn(t, "outsider", 2, 8)

	if err := r.Connect(member); err != nil {
		t.Fatalf("connect member: %v", err)
	}
	if err := r.Connect(outsider); err != nil {
		t.Fatalf("connect outsider: %v", err)
	}
	r.JoinRoom(member.ID, 1)
	r.JoinRoom(outsider.ID, 2)

	r.Broadcast(1, v1.Event{Type: v1.TypeUserJoined, ChatID: 1}, "")

	recvEvent(t, member)
	assertNoEvent(t, outsider)
}

func TestRegistryJoinRoomUnknownConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())
	r.JoinRoom("ghost", 1)

	if r.InRoom("ghost", 1) {
		t.Fatal("unregistered connection must not join rooms")
	}
}

func TestRegistryDisconnectRemovesMemberships(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	c := newTestConn(t, "c1", 1, 8)
	if err := r.Connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.JoinRoom(c.ID, 1)
	r.JoinRoom(c.ID, 2)

	r.Disconnect(c.ID)

	if r.InRoom(c.ID, 1) || r.InRoom(c.ID, 2) {
		t.Fatal("disconnect must remove room memberships")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("disconnect must signal connection shutdown")
	}

	// Idempotent.
	r.Disconnect(c.ID)

	r.Broadcast(1, v1.Event{Type: v1.TypeTyping, ChatID: 1}, "")
	assertNoEvent(t, c)
}

func TestRegistryFailedDeliveryDisconnects(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	healthy := newTestConn(t, "healthy", 1, 8)
	stuck := newTestConn(t, "stuck", 2, 1)

	if err := r.Connect(healthy); err != nil {
		t.Fatalf("connect healthy: %v", err)
	}
	if err := r.Connect(stuck); err != nil {
		t.Fatalf("connect stuck: %v", err)
	}
	r.JoinRoom(healthy.ID, 5)
	r.JoinRoom(stuck.ID, 5)

	// Fill the stuck connection's queue so the next delivery fails.
	if !stuck.TrySend(v1.Event{Type: v1.TypeTyping}) {
		t.Fatal("priming send should succeed")
	}

	r.Broadcast(5, v1.Event{Type: v1.TypeUserJoined, ChatID: 5}, "")

	// Healthy member still got the event.
	ev := recvEvent(t, healthy)
	if ev.Type != v1.TypeUserJoined {
		t.Fatalf("healthy: got type=%q", ev.Type)
	}

	// The stuck connection was scheduled for disconnect.
	if r.InRoom(stuck.ID, 5) {
		t.Fatal("stuck connection should have been disconnected")
	}
	select {
	case <-stuck.Done():
	default:
		t.Fatal("stuck connection should be shut down")
	}
}

func TestRegistryNotifyManyReachesAllUserConnections(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	tab1 := newTestConn(t, "u1-tab1", 1, 8)
	tab2 := newTestConn(t, "u1-tab2", 1, 8)
	other := newTestConn(t, "u2-tab1", 2, 8)

	for _, c := range []*Connection{tab1, tab2, other} {
		if err := r.Connect(c); err != nil {
			t.Fatalf("connect %s: %v", c.ID, err)
		}
	}

	r.NotifyMany([]int64{1}, v1.Event{Type: v1.TypeChatInvite, ChatID: 9})

	for _, c := range []*Connection{tab1, tab2} {
		ev := recvEvent(t, c)
		if ev.Type != v1.TypeChatInvite || ev.ChatID != 9 {
			t.Fatalf("%s: got type=%q chat_id=%d", c.ID, ev.Type, ev.ChatID)
		}
	}
	assertNoEvent(t, other)
}
