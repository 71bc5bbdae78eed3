// Package match implements the matchmaking pipeline: open seeks, seek
// acceptance with deterministic color assignment, and rematch
// negotiation. Grounded on go-kgp's queue.go (a slice-backed waiting
// room with match() pairing clients and spawning games in both color
// orders) — generalized from a single anonymous FIFO queue to named
// seeks a player can list, target, and withdraw.
package match

import (
	"math/rand"
	"sync"
	"time"

	"tak-server/internal/apperr"
	"tak-server/internal/engine"
	"tak-server/internal/store"
)

type SeekId string

// Seek is one player's open offer to play, visible to everyone until
// accepted or withdrawn. Spec: "at most one live seek per player".
type Seek struct {
	Id        SeekId
	Owner     store.AccountId
	Settings  engine.GameSettings
	Unrated   bool
	CreatedAt time.Time
}

// rematchState is a pending rematch proposal, keyed by the game it
// offers to replay, expiring if not accepted within the sweep window.
type rematchState struct {
	Requester store.AccountId
	Settings  engine.GameSettings
	PrevWhite store.AccountId // White in the previous game; the rematch gives them Black
	Unrated   bool
	CreatedAt time.Time
}

const RematchTTL = time.Hour

// Pairing is the result of successfully matching two players,
// consumed by the orchestrator to start an ongoing.Entry.
type Pairing struct {
	White, Black store.AccountId
	Settings     engine.GameSettings
	Unrated      bool
}

type Service struct {
	mu        sync.Mutex
	seeks     map[SeekId]Seek
	byOwner   map[store.AccountId]SeekId
	rematches map[store.GameId]rematchState
	nextId    uint64
}

func NewService() *Service {
	return &Service{
		seeks:     make(map[SeekId]Seek),
		byOwner:   make(map[store.AccountId]SeekId),
		rematches: make(map[store.GameId]rematchState),
	}
}

func (s *Service) newId() string {
	s.nextId++
	return time.Now().Format("20060102150405") + "-" + itoa(s.nextId)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// CreateSeek opens a new seek for owner. A player holds at most one
// seek: opening a second one replaces the first, and the replaced
// seek's id is returned so the caller can fan out its cancellation.
func (s *Service) CreateSeek(owner store.AccountId, settings engine.GameSettings, unrated bool) (Seek, SeekId, error) {
	if err := settings.Validate(); err != nil {
		return Seek{}, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced SeekId
	if prev, ok := s.byOwner[owner]; ok {
		if _, exists := s.seeks[prev]; exists {
			delete(s.seeks, prev)
			replaced = prev
		}
	}
	seek := Seek{Id: SeekId(s.newId()), Owner: owner, Settings: settings, Unrated: unrated, CreatedAt: time.Now()}
	s.seeks[seek.Id] = seek
	s.byOwner[owner] = seek.Id
	return seek, replaced, nil
}

// WithdrawSeek removes owner's open seek, if any.
func (s *Service) WithdrawSeek(owner store.AccountId, id SeekId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seek, ok := s.seeks[id]
	if !ok || seek.Owner != owner {
		return apperr.New(apperr.NotFound, "no such seek")
	}
	delete(s.seeks, id)
	delete(s.byOwner, owner)
	return nil
}

// CancelSeekOf removes owner's open seek regardless of its id,
// reporting which one went away. Used when a player is matched through
// someone else's seek and their own must not linger.
func (s *Service) CancelSeekOf(owner store.AccountId) (SeekId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOwner[owner]
	if !ok {
		return "", false
	}
	if _, exists := s.seeks[id]; !exists {
		delete(s.byOwner, owner)
		return "", false
	}
	delete(s.seeks, id)
	delete(s.byOwner, owner)
	return id, true
}

// ListSeeks returns every currently open seek.
func (s *Service) ListSeeks() []Seek {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Seek, 0, len(s.seeks))
	for _, seek := range s.seeks {
		out = append(out, seek)
	}
	return out
}

// AcceptSeek matches acceptor against an open seek, assigning colors
// at random (spec: "deterministic color assignment" means a single
// coin flip recorded at acceptance time, not renegotiated later).
func (s *Service) AcceptSeek(acceptor store.AccountId, id SeekId) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seek, ok := s.seeks[id]
	if !ok {
		return Pairing{}, apperr.New(apperr.NotFound, "no such seek")
	}
	if seek.Owner == acceptor {
		return Pairing{}, apperr.NotPossiblef(apperr.ReasonNone, "cannot accept your own seek")
	}
	delete(s.seeks, id)
	delete(s.byOwner, seek.Owner)

	white, black := seek.Owner, acceptor
	if rand.Intn(2) == 0 {
		white, black = black, white
	}
	return Pairing{White: white, Black: black, Settings: seek.Settings, Unrated: seek.Unrated}, nil
}

// RequestOrAcceptRematch implements spec §4.4's single
// request_or_accept_rematch(previous_game_id) operation: the first
// call from either former participant records a pending rematch and
// returns false; the second call, made by the other participant,
// consumes it and returns the pairing with colors swapped from the
// previous game. A repeated call by the same requester is a no-op,
// not a second pending proposal.
func (s *Service) RequestOrAcceptRematch(prevGame store.GameId, requester store.AccountId, settings engine.GameSettings, prevWhite store.AccountId, unrated bool) (Pairing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rematches[prevGame]
	if !ok {
		s.rematches[prevGame] = rematchState{
			Requester: requester,
			Settings:  settings,
			PrevWhite: prevWhite,
			Unrated:   unrated,
			CreatedAt: time.Now(),
		}
		return Pairing{}, false, nil
	}
	if existing.Requester == requester {
		return Pairing{}, false, nil
	}
	delete(s.rematches, prevGame)

	white, black := existing.Requester, requester
	if existing.PrevWhite == existing.Requester {
		white, black = requester, existing.Requester
	}
	return Pairing{White: white, Black: black, Settings: existing.Settings, Unrated: existing.Unrated}, true, nil
}

// SweepStaleRematches discards proposals older than RematchTTL.
// Intended to be driven by an hourly ticker, per spec.
func (s *Service) SweepStaleRematches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-RematchTTL)
	for id, r := range s.rematches {
		if r.CreatedAt.Before(cutoff) {
			delete(s.rematches, id)
		}
	}
}

// RunRematchSweeper blocks, sweeping hourly, until done is closed.
func (s *Service) RunRematchSweeper(done <-chan struct{}) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.SweepStaleRematches()
		}
	}
}
