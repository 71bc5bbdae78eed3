// Package notify is the server's notification fabric: a registry of
// connected listeners, each with an unbounded outbound queue drained
// by its own writer, plus the chat-room and game-observer fan-out
// maps used for multicast delivery. Grounded on go-kgp's client.go
// (one goroutine per connection, Send/Respond building outbound wire
// messages) and queue.go's mutex-and-condition-variable FIFO handoff
// between goroutines — generalized here from a single
// TCP writer to an arbitrary ServerMessage queue so both wire
// dialects can share one fabric.
package notify

import (
	"sync"

	"github.com/google/uuid"
)

// ListenerId identifies one connected client session. It is distinct
// from AccountId: a listener is a single active connection. The
// registry binds listeners and accounts one-to-one, and Rebind
// displaces any listener already bound to the account.
type ListenerId uuid.UUID

func NewListenerId() ListenerId { return ListenerId(uuid.New()) }

func (l ListenerId) String() string { return uuid.UUID(l).String() }

// ServerMessage is the payload type queued for a listener. Protocol
// adapters define the concrete message shapes; the fabric only needs
// to move them in FIFO order per listener.
type ServerMessage interface{}

// Queue is a per-listener unbounded FIFO, guarded by a mutex and a
// condition variable rather than a buffered channel so that it never
// blocks a sender (spec's "flow control is per-listener backpressure
// only" — senders never stall on a slow reader; only an unbounded
// queue can guarantee that).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []ServerMessage
	closed bool
}

func newQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues msg for later delivery. It never blocks.
func (q *Queue) Push(msg ServerMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
}

// Pop blocks until a message is available or the queue is closed.
// Messages queued before Close are still returned; ok is false once
// the queue is closed and empty. A writer goroutine calls this in a loop.
func (q *Queue) Pop() (msg ServerMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// TryPop returns the head of the queue without blocking; ok is false
// when the queue is currently empty.
func (q *Queue) TryPop() (msg ServerMessage, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Close wakes any blocked Pop and turns later Pushes into no-ops; Pop
// still returns the already-queued messages before reporting ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Registry is the process-wide listener fabric. All methods are
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	listeners map[ListenerId]*Queue
	accounts  map[ListenerId]AccountId // one-to-one
	byAccount map[AccountId]ListenerId
	rooms     map[ChatRoom]map[ListenerId]struct{}
	roomsOf   map[ListenerId]map[ChatRoom]struct{}
	games     map[GameId]map[ListenerId]struct{}
	gamesOf   map[ListenerId]map[GameId]struct{}
}

type AccountId string
type ChatRoom string
type GameId string

// DisconnectReason explains why a listener's connection was torn
// down, carried in the ConnectionClosed message so a dialect can
// choose its own wire framing for each case (spec §4.6).
type DisconnectReason string

const (
	// ReasonClientClosed is the ordinary case: the remote end hung up
	// or the read loop returned an error.
	ReasonClientClosed DisconnectReason = "client_closed"
	// ReasonNewSession is forcible displacement: a second login to
	// the same account evicts the first listener (spec §4.6).
	ReasonNewSession DisconnectReason = "new_session"
	// ReasonInactivity is the 5-minute idle disconnect (spec §4.6).
	ReasonInactivity DisconnectReason = "inactivity"
	// ReasonKicked is a moderation kick (spec §4.8).
	ReasonKicked DisconnectReason = "kicked"
	// ReasonBanned is a moderation ban: every listener of the banned
	// account is dropped, and the account cannot reauthenticate.
	ReasonBanned DisconnectReason = "banned"
)

// ConnectionClosed is pushed to a listener's own queue immediately
// before it is torn down, so a dialect's writer goroutine can flush a
// final explanatory line ahead of the socket closing.
type ConnectionClosed struct {
	Reason DisconnectReason
}

func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[ListenerId]*Queue),
		accounts:  make(map[ListenerId]AccountId),
		byAccount: make(map[AccountId]ListenerId),
		rooms:     make(map[ChatRoom]map[ListenerId]struct{}),
		roomsOf:   make(map[ListenerId]map[ChatRoom]struct{}),
		games:     make(map[GameId]map[ListenerId]struct{}),
		gamesOf:   make(map[ListenerId]map[GameId]struct{}),
	}
}

// Connect registers a new listener bound to account and returns its
// queue. The caller is expected to spawn a writer goroutine that
// drains the queue for the lifetime of the connection.
func (r *Registry) Connect(account AccountId) (ListenerId, *Queue) {
	id := NewListenerId()
	q := newQueue()
	r.mu.Lock()
	r.listeners[id] = q
	r.accounts[id] = account
	r.byAccount[account] = id
	r.mu.Unlock()
	return id, q
}

// Disconnect removes a listener from every room and game it observed
// and closes its queue, waking its writer goroutine. It first pushes
// a ConnectionClosed{reason} so the writer can deliver a last word
// before Pop reports the queue closed.
func (r *Registry) Disconnect(id ListenerId, reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(id, reason)
}

func (r *Registry) disconnectLocked(id ListenerId, reason DisconnectReason) {
	if q, ok := r.listeners[id]; ok {
		q.Push(ConnectionClosed{Reason: reason})
		q.Close()
	}
	delete(r.listeners, id)
	if acct, ok := r.accounts[id]; ok && r.byAccount[acct] == id {
		delete(r.byAccount, acct)
	}
	delete(r.accounts, id)

	for room := range r.roomsOf[id] {
		delete(r.rooms[room], id)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.roomsOf, id)

	for gid := range r.gamesOf[id] {
		delete(r.games[gid], id)
		if len(r.games[gid]) == 0 {
			delete(r.games, gid)
		}
	}
	delete(r.gamesOf, id)
}

func (r *Registry) AccountOf(id ListenerId) (AccountId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Rebind re-associates an already-connected listener with account,
// used once a connection authenticates after having been accepted
// anonymously (spec: a listener exists before login, but delivery by
// account id only becomes possible once it does). If account already
// has a live listener — a second login displacing the first — that
// older listener is forcibly disconnected with ReasonNewSession
// before the rebind, per spec §4.6; Rebind never silently shares one
// account between two listeners.
func (r *Registry) Rebind(id ListenerId, account AccountId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.accounts[id]; ok && r.byAccount[old] == id {
		delete(r.byAccount, old)
	}
	if prev, ok := r.byAccount[account]; ok && prev != id {
		r.disconnectLocked(prev, ReasonNewSession)
	}
	r.accounts[id] = account
	r.byAccount[account] = id
}

// ListenerOf returns the currently connected listener for account, if
// any. Used to route private chat messages and moderation kicks.
func (r *Registry) ListenerOf(account AccountId) (ListenerId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAccount[account]
	return id, ok
}

// JoinRoom and LeaveRoom maintain the many-to-many ChatRoom↔Listener
// mapping used for chat-room broadcast.
func (r *Registry) JoinRoom(id ListenerId, room ChatRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[ListenerId]struct{})
	}
	r.rooms[room][id] = struct{}{}
	if r.roomsOf[id] == nil {
		r.roomsOf[id] = make(map[ChatRoom]struct{})
	}
	r.roomsOf[id][room] = struct{}{}
}

func (r *Registry) LeaveRoom(id ListenerId, room ChatRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[room], id)
	delete(r.roomsOf[id], room)
}

// Observe and Unobserve maintain the many-to-many Game↔Listener
// mapping used to deliver game events to spectators and participants
// alike.
func (r *Registry) Observe(id ListenerId, game GameId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.games[game] == nil {
		r.games[game] = make(map[ListenerId]struct{})
	}
	r.games[game][id] = struct{}{}
	if r.gamesOf[id] == nil {
		r.gamesOf[id] = make(map[GameId]struct{})
	}
	r.gamesOf[id][game] = struct{}{}
}

func (r *Registry) Unobserve(id ListenerId, game GameId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games[game], id)
	delete(r.gamesOf[id], game)
}

// Online returns the account ids with a live authenticated listener,
// the payload of a PlayersOnline broadcast.
func (r *Registry) Online() []AccountId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AccountId, 0, len(r.byAccount))
	for acct := range r.byAccount {
		if acct != "" {
			out = append(out, acct)
		}
	}
	return out
}

// DropGame removes every observer of game from the observer maps,
// called once a game has been finalized and its closing messages
// delivered (spec §4.3: "removes observers from the spectator set").
func (r *Registry) DropGame(game GameId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.games[game] {
		delete(r.gamesOf[id], game)
	}
	delete(r.games, game)
}

// Unicast delivers msg to a single listener. Unknown listeners are
// silently dropped: the caller raced a disconnect, which is not an
// error.
func (r *Registry) Unicast(id ListenerId, msg ServerMessage) {
	r.mu.RLock()
	q, ok := r.listeners[id]
	r.mu.RUnlock()
	if ok {
		q.Push(msg)
	}
}

// MulticastRoom delivers msg to every listener currently in room.
func (r *Registry) MulticastRoom(room ChatRoom, msg ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.rooms[room] {
		if q, ok := r.listeners[id]; ok {
			q.Push(msg)
		}
	}
}

// MulticastGame delivers msg to every listener observing game.
func (r *Registry) MulticastGame(game GameId, msg ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.games[game] {
		if q, ok := r.listeners[id]; ok {
			q.Push(msg)
		}
	}
}

// Broadcast delivers msg to every connected listener.
func (r *Registry) Broadcast(msg ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.listeners {
		q.Push(msg)
	}
}
