// Package ongoing is the service that owns every in-progress game: a
// concurrent map keyed by game id, each entry guarded by its own
// mutex so that no two games ever contend for the same lock.
// Grounded on go-kgp's game.go Play() loop (one per-game goroutine
// selecting over move/death/timer channels) and queue.go's use of
// independent per-entity state instead of one global lock — rebuilt
// here as a synchronous, lock-per-entry service because the engine
// itself (package engine) is a plain value type with no goroutine of
// its own, so the compound "verify → consult clock → transition →
// log → finalize" step from spec §4.2 can run to completion inside a
// single critical section without blocking unrelated games.
package ongoing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tak-server/internal/apperr"
	"tak-server/internal/engine"
	"tak-server/internal/notify"
	"tak-server/internal/store"
)

type RequestKind uint8

const (
	RequestDraw RequestKind = iota
	RequestUndo
	RequestMoreTime
)

func (k RequestKind) String() string {
	switch k {
	case RequestDraw:
		return "draw"
	case RequestUndo:
		return "undo"
	default:
		return "moretime"
	}
}

// Request is one outstanding cross-player request on a game. Each
// player may have at most one live request of a given kind at a time
// (spec §4.2's "add/take_if" request system).
type Request struct {
	Id  uint64
	Kind RequestKind
	By   engine.Player
}

// Event is one entry of a game's append-only log, mirrored to
// store.EventRecord for persistence and to notify.ServerMessage for
// live observers.
type Event struct {
	Seq     uint64
	At      time.Time
	Kind    string
	Action  *engine.Action `json:"action,omitempty"`
	Request *Request       `json:"request,omitempty"`
	Player  *engine.Player `json:"player,omitempty"`
	Result  string         `json:"result,omitempty"`
}

type Entry struct {
	mu       sync.Mutex
	Id       store.GameId
	White    store.AccountId
	Black    store.AccountId
	Game     *engine.Game
	Clock    *engine.Clock
	requests []Request
	nextReq  uint64
	events   []Event
	nextSeq  uint64
	Rated    bool
	removed  bool
}

func (e *Entry) playerFor(acct store.AccountId) (engine.Player, bool) {
	switch acct {
	case e.White:
		return engine.White, true
	case e.Black:
		return engine.Black, true
	default:
		return 0, false
	}
}

func (e *Entry) accountFor(p engine.Player) store.AccountId {
	if p == engine.White {
		return e.White
	}
	return e.Black
}

func (e *Entry) appendEvent(ev Event) {
	ev.Seq = e.nextSeq
	ev.At = time.Now()
	e.nextSeq++
	e.events = append(e.events, ev)
}

// Service owns the concurrent game map and the registry/store handles
// every use-case needs. There is exactly one Service per process
// (spec §9 "Global singletons": passed explicitly, never a package
// global).
type Service struct {
	mu    sync.RWMutex
	games map[store.GameId]*Entry

	store    *store.Store
	registry *notify.Registry
	epsilon  time.Duration

	onFinish func(ctx context.Context, e *Entry)
}

func NewService(st *store.Store, registry *notify.Registry, epsilon time.Duration) *Service {
	return &Service{
		games:    make(map[store.GameId]*Entry),
		store:    st,
		registry: registry,
		epsilon:  epsilon,
	}
}

// OnFinish installs a callback invoked once, outside any entry lock,
// when a game ends — used to wire the rating engine without this
// package importing it directly.
func (s *Service) OnFinish(f func(ctx context.Context, e *Entry)) { s.onFinish = f }

// Create starts a new ongoing game and registers it in the map. rated
// comes from the pairing that spawned the game (spec's seeks may be
// marked Unrated) and is carried unchanged onto the finished
// store.GameRecord once the game ends.
func (s *Service) Create(id store.GameId, white, black store.AccountId, settings engine.GameSettings, rated bool) (*Entry, error) {
	g, err := engine.NewGame(settings)
	if err != nil {
		return nil, err
	}
	// The clock is constructed paused; the first applied action Tocks
	// it into motion, so the interval between creation and White's
	// opening placement is never charged.
	clock := engine.NewClock(settings.Time)

	e := &Entry{Id: id, White: white, Black: black, Game: g, Clock: clock, Rated: rated}
	s.mu.Lock()
	s.games[id] = e
	s.mu.Unlock()
	return e, nil
}

func (s *Service) entry(id store.GameId) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.games[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no such ongoing game")
	}
	return e, nil
}

func (s *Service) remove(id store.GameId) {
	s.mu.Lock()
	delete(s.games, id)
	s.mu.Unlock()
}

// Snapshot is a read-only view used for status queries, returned with
// the entry lock already released.
type Snapshot struct {
	Board     *engine.Board
	ToMove    engine.Player
	State     engine.GameState
	Remaining [2]time.Duration
	Requests  []Request
}

func (s *Service) Status(id store.GameId) (Snapshot, error) {
	e, err := s.entry(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Board:     e.Game.Board,
		ToMove:    e.Game.ToMove,
		State:     e.Game.State,
		Remaining: e.Clock.Snapshot(time.Now()),
		Requests:  append([]Request(nil), e.requests...),
	}, nil
}

// checkTimeoutLocked performs the lazy timeout check: it is only ever
// observed opportunistically, when some other operation touches the
// game, per spec §4.1's design note. Returns true if the game ended.
func (e *Entry) checkTimeoutLocked(now time.Time) bool {
	if e.Game.State.Status != engine.StatusOngoing {
		return false
	}
	mover := e.Game.ToMove
	if e.Clock.TimedOut(mover, now) {
		e.Game.State = engine.Win(mover.Opponent(), engine.Default)
		e.appendEvent(Event{Kind: "Timeout", Player: &mover})
		return true
	}
	return false
}

// DoAction applies a player's engine action to game id, after
// verifying participancy, turn order, and clock state, all inside one
// per-entry critical section. No store or network I/O happens while
// the lock is held (spec §5's "no I/O while holding entry locks").
func (s *Service) DoAction(ctx context.Context, id store.GameId, acct store.AccountId, action engine.Action) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	var finished, applied bool
	e.mu.Lock()
	player, ok := e.playerFor(acct)
	if !ok {
		e.mu.Unlock()
		return apperr.NotPossiblef(apperr.ReasonNotParticipant, "%s is not a participant in this game", acct)
	}
	now := time.Now()
	if e.checkTimeoutLocked(now) {
		finished = true
	} else {
		if e.Game.ToMove != player {
			e.mu.Unlock()
			return apperr.NotPossiblef(apperr.ReasonNotYourTurn, "it is not %s's turn", acct)
		}
		if err := e.Game.Do(action); err != nil {
			e.mu.Unlock()
			return err
		}
		applied = true
		e.Clock.Tock(player, e.Game.Ply, now)
		e.appendEvent(Event{Kind: "Action", Action: &action, Player: &player})
		// A fresh action retires every outstanding request, whichever
		// player made it.
		e.requests = nil
		finished = e.Game.State.Status != engine.StatusOngoing
	}
	if finished {
		e.appendEvent(Event{Kind: "GameOver", Result: engine.EncodeResult(e.Game.State)})
	}
	snapshot := e.snapshotEventsLocked()
	remaining := e.Clock.Snapshot(now)
	e.mu.Unlock()

	s.persist(ctx, e, snapshot)
	if applied {
		s.registry.MulticastGame(notify.GameId(e.Id), notify.GameAction{
			Game:   notify.GameId(e.Id),
			Player: notify.AccountId(e.accountFor(player)),
			Ptn:    engine.EncodeAction(action),
		})
		s.registry.MulticastGame(notify.GameId(e.Id), notify.GameTimeUpdate{
			Game:  notify.GameId(e.Id),
			White: remaining[engine.White],
			Black: remaining[engine.Black],
		})
	}
	if finished {
		s.finish(ctx, e, id)
	}
	return nil
}

// snapshotEventsLocked returns the events appended since the last
// persist call and clears the buffer; called with e.mu held.
func (e *Entry) snapshotEventsLocked() []Event {
	out := e.events
	e.events = nil
	return out
}

func (s *Service) persist(ctx context.Context, e *Entry, events []Event) {
	for _, ev := range events {
		payload, _ := json.Marshal(ev)
		s.store.Games.AppendEvent(ctx, store.EventRecord{
			GameId:  e.Id,
			Seq:     ev.Seq,
			Kind:    ev.Kind,
			Payload: string(payload),
			At:      ev.At,
		})
	}
}

// finish removes the entry, hands it to the finalization workflow,
// and delivers the closing GameEnded/GameOver/GameTimeUpdate triple to
// every remaining observer before dropping the spectator set.
func (s *Service) finish(ctx context.Context, e *Entry, id store.GameId) {
	s.remove(id)
	if s.onFinish != nil {
		s.onFinish(ctx, e)
	}
	e.mu.Lock()
	result := engine.EncodeResult(e.Game.State)
	remaining := e.Clock.Snapshot(time.Now())
	e.mu.Unlock()

	gid := notify.GameId(id)
	s.registry.MulticastGame(gid, notify.GameEnded{Game: gid})
	s.registry.MulticastGame(gid, notify.GameOver{Game: gid, Result: result})
	s.registry.MulticastGame(gid, notify.GameTimeUpdate{
		Game:  gid,
		White: remaining[engine.White],
		Black: remaining[engine.Black],
	})
	s.registry.DropGame(gid)
}

// Resign immediately ends the game in the caller's opponent's favor.
func (s *Service) Resign(ctx context.Context, id store.GameId, acct store.AccountId) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	player, ok := e.playerFor(acct)
	if !ok {
		e.mu.Unlock()
		return apperr.NotPossiblef(apperr.ReasonNotParticipant, "%s is not a participant in this game", acct)
	}
	if e.Game.State.Status != engine.StatusOngoing {
		e.mu.Unlock()
		return apperr.NotPossiblef(apperr.ReasonGameOver, "game is already over")
	}
	e.Game.State = engine.Win(player.Opponent(), engine.Default)
	e.appendEvent(Event{Kind: "Resigned", Player: &player})
	events := e.snapshotEventsLocked()
	e.mu.Unlock()

	s.persist(ctx, e, events)
	s.finish(ctx, e, id)
	return nil
}

// AddRequest records a new draw/undo/more-time request from acct, if
// acct has none of that kind already outstanding.
func (s *Service) AddRequest(id store.GameId, acct store.AccountId, kind RequestKind) (uint64, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	player, ok := e.playerFor(acct)
	if !ok {
		e.mu.Unlock()
		return 0, apperr.NotPossiblef(apperr.ReasonNotParticipant, "%s is not a participant in this game", acct)
	}
	for _, r := range e.requests {
		if r.Kind == kind && r.By == player {
			e.mu.Unlock()
			return 0, apperr.NotPossiblef(apperr.ReasonDuplicateRequest, "a %s request is already outstanding", kind)
		}
	}
	e.nextReq++
	req := Request{Id: e.nextReq, Kind: kind, By: player}
	e.requests = append(e.requests, req)
	e.appendEvent(Event{Kind: "RequestAdded", Request: &req})
	e.mu.Unlock()

	s.registry.MulticastGame(notify.GameId(id), notify.GameRequestAdded{
		Game:      notify.GameId(id),
		RequestId: req.Id,
		Kind:      kind.String(),
		By:        notify.AccountId(acct),
	})
	return req.Id, nil
}

// findRequest looks up reqID without removing it, so a caller can
// validate before mutating e.requests; a rejected operation must
// leave the request exactly as it found it.
func (e *Entry) findRequest(reqID uint64) (Request, bool) {
	for _, r := range e.requests {
		if r.Id == reqID {
			return r, true
		}
	}
	return Request{}, false
}

func (e *Entry) takeRequest(reqID uint64) (Request, bool) {
	for i, r := range e.requests {
		if r.Id == reqID {
			e.requests = append(e.requests[:i], e.requests[i+1:]...)
			return r, true
		}
	}
	return Request{}, false
}

// RetractRequest lets the original requester withdraw it.
func (s *Service) RetractRequest(id store.GameId, acct store.AccountId, reqID uint64) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	player, _ := e.playerFor(acct)
	req, ok := e.findRequest(reqID)
	if !ok || req.By != player {
		e.mu.Unlock()
		return apperr.New(apperr.NotFound, "no such request")
	}
	e.takeRequest(reqID)
	e.appendEvent(Event{Kind: "RequestRetracted", Request: &req})
	e.mu.Unlock()

	s.registry.MulticastGame(notify.GameId(id), notify.GameRequestRetracted{
		Game:      notify.GameId(id),
		RequestId: req.Id,
	})
	return nil
}

// RejectRequest lets the opponent dismiss a request without accepting it.
func (s *Service) RejectRequest(id store.GameId, acct store.AccountId, reqID uint64) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	player, _ := e.playerFor(acct)
	req, ok := e.findRequest(reqID)
	if !ok || req.By == player {
		e.mu.Unlock()
		return apperr.New(apperr.NotFound, "no such request")
	}
	e.takeRequest(reqID)
	e.appendEvent(Event{Kind: "RequestRejected", Request: &req})
	e.mu.Unlock()

	s.registry.MulticastGame(notify.GameId(id), notify.GameRequestRejected{
		Game:      notify.GameId(id),
		RequestId: req.Id,
	})
	return nil
}

// AcceptRequest lets the opponent of the requester accept it,
// applying its effect: a draw ends the game, an undo replays the
// action history without its last entry, and more-time credits the
// requester's clock.
func (s *Service) AcceptRequest(ctx context.Context, id store.GameId, acct store.AccountId, reqID uint64, bonus time.Duration) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	player, _ := e.playerFor(acct)
	req, ok := e.findRequest(reqID)
	if !ok || req.By == player {
		e.mu.Unlock()
		return apperr.New(apperr.NotFound, "no such request")
	}
	if req.Kind == RequestUndo && len(e.Game.History) == 0 {
		e.mu.Unlock()
		return apperr.New(apperr.NotPossible, "no actions to undo")
	}
	e.takeRequest(reqID)
	e.appendEvent(Event{Kind: "RequestAccepted", Request: &req})

	finished := false
	switch req.Kind {
	case RequestDraw:
		e.Game.State = engine.Draw()
		e.appendEvent(Event{Kind: "DrawAgreed"})
		finished = true
	case RequestUndo:
		if err := e.undoLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	case RequestMoreTime:
		e.Clock.Remaining[req.By] += bonus
		e.appendEvent(Event{Kind: "TimeGiven", Player: &req.By})
	}
	events := e.snapshotEventsLocked()
	remaining := e.Clock.Snapshot(time.Now())
	e.mu.Unlock()

	s.persist(ctx, e, events)
	gid := notify.GameId(id)
	s.registry.MulticastGame(gid, notify.GameRequestAccepted{Game: gid, RequestId: req.Id})
	switch req.Kind {
	case RequestUndo:
		s.registry.MulticastGame(gid, notify.GameActionUndone{Game: gid})
	case RequestMoreTime:
		s.registry.MulticastGame(gid, notify.GameTimeUpdate{
			Game:  gid,
			White: remaining[engine.White],
			Black: remaining[engine.Black],
		})
	}
	if finished {
		s.finish(ctx, e, id)
	}
	return nil
}

// undoLocked replays the game from an empty position through every
// action but the last, per spec's "undo is replay, not a stack pop"
// design (mirrors the engine's lack of any per-action inverse).
func (e *Entry) undoLocked() error {
	history := e.Game.History
	if len(history) == 0 {
		return apperr.New(apperr.NotPossible, "no actions to undo")
	}
	replay := history[:len(history)-1]

	fresh, err := engine.NewGame(e.Game.Settings)
	if err != nil {
		return err
	}
	for _, a := range replay {
		if err := fresh.Do(a); err != nil {
			return apperr.Wrap(apperr.Internal, err, "replaying history during undo")
		}
	}
	e.Game = fresh
	// The undone move's mover is on turn again; the clock treats the
	// undo as if that move had just completed for them, so they get the
	// increment and their time starts running from now.
	if e.Clock.Settings.Kind == engine.Realtime {
		e.Clock.Remaining[fresh.ToMove] += time.Duration(e.Clock.Settings.Increment)
		e.Clock.Start(fresh.ToMove, time.Now())
	}
	e.appendEvent(Event{Kind: "ActionUndone"})
	return nil
}

// Sweep is the shared timeout-scheduler alternative (spec §4.2): a
// single goroutine periodically walks every ongoing game and forces
// the lazy timeout check, so a game with no pending action still
// times out promptly instead of only on the next player action.
func (s *Service) Sweep(ctx context.Context) {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.games))
	for _, e := range s.games {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, e := range entries {
		e.mu.Lock()
		finished := e.checkTimeoutLocked(now)
		var events []Event
		if finished {
			result := engine.EncodeResult(e.Game.State)
			e.appendEvent(Event{Kind: "GameOver", Result: result})
			events = e.snapshotEventsLocked()
		}
		id := e.Id
		e.mu.Unlock()

		if finished {
			s.persist(ctx, e, events)
			s.finish(ctx, e, id)
		}
	}
}

// RunSweeper blocks, ticking Sweep every epsilon, until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	t := time.NewTicker(s.epsilon)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}
