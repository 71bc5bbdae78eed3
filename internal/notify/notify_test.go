package notify

import "testing"

func TestConnectThenDisconnectPushesConnectionClosedBeforeClosing(t *testing.T) {
	r := NewRegistry()
	id, q := r.Connect("alice")

	r.Disconnect(id, ReasonClientClosed)

	msg, ok := q.Pop()
	if !ok {
		t.Fatalf("expected ConnectionClosed to be delivered before the queue closes")
	}
	closed, ok := msg.(ConnectionClosed)
	if !ok || closed.Reason != ReasonClientClosed {
		t.Fatalf("got %#v, want ConnectionClosed{ReasonClientClosed}", msg)
	}

	if _, ok := q.Pop(); ok {
		t.Fatalf("expected the queue to be closed after its final message")
	}
	if _, ok := r.AccountOf(id); ok {
		t.Fatalf("expected the listener to be forgotten after Disconnect")
	}
}

func TestRebindDisplacesPreviousListenerWithNewSessionReason(t *testing.T) {
	r := NewRegistry()
	first, firstQueue := r.Connect("")
	r.Rebind(first, "alice")

	second, _ := r.Connect("")
	r.Rebind(second, "alice")

	msg, ok := firstQueue.Pop()
	if !ok {
		t.Fatalf("expected the displaced listener's queue to receive a ConnectionClosed")
	}
	if closed, ok := msg.(ConnectionClosed); !ok || closed.Reason != ReasonNewSession {
		t.Fatalf("got %#v, want ConnectionClosed{ReasonNewSession}", msg)
	}

	current, ok := r.ListenerOf("alice")
	if !ok || current != second {
		t.Fatalf("ListenerOf(alice) = %v, want the second (rebound) listener", current)
	}
}

func TestUnicastDeliversToTheNamedListenerOnly(t *testing.T) {
	r := NewRegistry()
	a, aQueue := r.Connect("alice")
	_, bQueue := r.Connect("bob")

	r.Unicast(a, "hello")

	msg, ok := aQueue.Pop()
	if !ok || msg != "hello" {
		t.Fatalf("alice's queue got %#v, want \"hello\"", msg)
	}
	bQueue.Push("sentinel")
	if msg, _ := bQueue.Pop(); msg != "sentinel" {
		t.Fatalf("bob's queue should be untouched by a unicast to alice")
	}
}

func TestJoinRoomAndLeaveRoomControlMulticastMembership(t *testing.T) {
	r := NewRegistry()
	a, aQueue := r.Connect("alice")
	b, bQueue := r.Connect("bob")
	r.JoinRoom(a, "lobby")
	r.JoinRoom(b, "lobby")

	r.MulticastRoom("lobby", "hi")
	if msg, ok := aQueue.Pop(); !ok || msg != "hi" {
		t.Fatalf("alice should receive the room broadcast")
	}
	if msg, ok := bQueue.Pop(); !ok || msg != "hi" {
		t.Fatalf("bob should receive the room broadcast")
	}

	r.LeaveRoom(a, "lobby")
	r.MulticastRoom("lobby", "second")
	aQueue.Push("sentinel")
	if msg, _ := aQueue.Pop(); msg != "sentinel" {
		t.Fatalf("alice left the room and should not receive further room broadcasts")
	}
	if msg, ok := bQueue.Pop(); !ok || msg != "second" {
		t.Fatalf("bob is still in the room and should receive the second broadcast")
	}
}

func TestObserveGameMulticastsOnlyToObservers(t *testing.T) {
	r := NewRegistry()
	a, aQueue := r.Connect("alice")
	_, bQueue := r.Connect("bob")
	r.Observe(a, "g1")

	r.MulticastGame("g1", "move")
	if msg, ok := aQueue.Pop(); !ok || msg != "move" {
		t.Fatalf("alice is observing g1 and should receive the event")
	}
	bQueue.Push("sentinel")
	if msg, _ := bQueue.Pop(); msg != "sentinel" {
		t.Fatalf("bob is not observing g1 and should not receive the event")
	}
}

func TestBroadcastReachesEveryListener(t *testing.T) {
	r := NewRegistry()
	_, aQueue := r.Connect("alice")
	_, bQueue := r.Connect("bob")

	r.Broadcast("announcement")
	if msg, ok := aQueue.Pop(); !ok || msg != "announcement" {
		t.Fatalf("alice should receive the broadcast")
	}
	if msg, ok := bQueue.Pop(); !ok || msg != "announcement" {
		t.Fatalf("bob should receive the broadcast")
	}
}

func TestDisconnectRemovesListenerFromRoomsAndGames(t *testing.T) {
	r := NewRegistry()
	a, aQueue := r.Connect("alice")
	r.JoinRoom(a, "lobby")
	r.Observe(a, "g1")

	r.Disconnect(a, ReasonClientClosed)
	aQueue.Pop() // drain the ConnectionClosed notice

	b, bQueue := r.Connect("bob")
	r.JoinRoom(b, "lobby")
	r.MulticastRoom("lobby", "x")
	if msg, ok := bQueue.Pop(); !ok || msg != "x" {
		t.Fatalf("bob, still in the room, should receive the broadcast")
	}
	// alice's queue is closed; MulticastGame must skip her silently
	// rather than push into (or panic on) a dead queue.
	r.MulticastGame("g1", "y")
}

func TestOnlineListsOnlyAuthenticatedListeners(t *testing.T) {
	r := NewRegistry()
	anon, _ := r.Connect("")
	authed, _ := r.Connect("")
	r.Rebind(authed, "alice")

	online := r.Online()
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("Online() = %v, want [alice]", online)
	}
	_ = anon
}

func TestDropGameForgetsEveryObserver(t *testing.T) {
	r := NewRegistry()
	id, q := r.Connect("alice")
	r.Observe(id, "g1")

	r.DropGame("g1")
	r.MulticastGame("g1", "after drop")

	if msg, ok := q.TryPop(); ok {
		t.Fatalf("no message should reach a dropped game's observers, got %#v", msg)
	}
}

func TestTryPopDoesNotBlockOnEmptyQueue(t *testing.T) {
	r := NewRegistry()
	_, q := r.Connect("alice")
	if _, ok := q.TryPop(); ok {
		t.Fatalf("TryPop on an empty queue must report ok=false")
	}
	q.Push("hello")
	if msg, ok := q.TryPop(); !ok || msg != "hello" {
		t.Fatalf("TryPop should return the queued message, got %#v/%v", msg, ok)
	}
}
