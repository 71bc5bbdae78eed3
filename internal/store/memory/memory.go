// Package memory provides in-memory doubles of the store ports, used
// by unit tests throughout the server so a test never needs a real
// SQLite file. Grounded on jaminalder-codex-tic-tac-toe's in-process
// repository style (a mutex-guarded map standing in for a database).
package memory

import (
	"context"
	"sync"
	"time"

	"tak-server/internal/apperr"
	"tak-server/internal/store"
)

type GameStore struct {
	mu     sync.Mutex
	games  map[store.GameId]store.GameRecord
	events map[store.GameId][]store.EventRecord
}

func NewGameStore() *GameStore {
	return &GameStore{
		games:  make(map[store.GameId]store.GameRecord),
		events: make(map[store.GameId][]store.EventRecord),
	}
}

func (s *GameStore) CreateGame(ctx context.Context, g store.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.games[g.Id]; exists {
		return apperr.New(apperr.BadRequest, "game already exists")
	}
	s.games[g.Id] = g
	return nil
}

func (s *GameStore) SaveGame(ctx context.Context, g store.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[g.Id] = g
	return nil
}

func (s *GameStore) GetGame(ctx context.Context, id store.GameId) (store.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return store.GameRecord{}, apperr.New(apperr.NotFound, "no such game")
	}
	return g, nil
}

func (s *GameStore) ListGamesForAccount(ctx context.Context, acct store.AccountId) ([]store.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.GameRecord
	for _, g := range s.games {
		if g.White == acct || g.Black == acct {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *GameStore) SetRatingInfo(ctx context.Context, id store.GameId, info store.RatingInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return apperr.New(apperr.NotFound, "no such game")
	}
	g.RatingInfo = &info
	s.games[id] = g
	return nil
}

func (s *GameStore) AppendEvent(ctx context.Context, e store.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.GameId] = append(s.events[e.GameId], e)
	return nil
}

func (s *GameStore) ListEvents(ctx context.Context, game store.GameId) ([]store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.EventRecord, len(s.events[game]))
	copy(out, s.events[game])
	return out, nil
}

type AccountStore struct {
	mu            sync.Mutex
	accounts      map[store.AccountId]store.AccountRecord
	byName        map[string]store.AccountId
	contacts      map[store.AccountId]store.ContactRecord
	updatingUntil time.Time
	lastRated     store.GameId
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[store.AccountId]store.AccountRecord),
		byName:   make(map[string]store.AccountId),
		contacts: make(map[store.AccountId]store.ContactRecord),
	}
}

func (s *AccountStore) CreateAccount(ctx context.Context, a store.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.Id]; exists {
		return apperr.New(apperr.BadRequest, "account already exists")
	}
	if _, taken := s.byName[a.Name]; taken {
		return apperr.New(apperr.BadRequest, "name already taken")
	}
	s.accounts[a.Id] = a
	s.byName[a.Name] = a.Id
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id store.AccountId) (store.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.AccountRecord{}, apperr.New(apperr.NotFound, "no such account")
	}
	return a, nil
}

func (s *AccountStore) GetAccountByName(ctx context.Context, name string) (store.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return store.AccountRecord{}, apperr.New(apperr.NotFound, "no such account")
	}
	return s.accounts[id], nil
}

func (s *AccountStore) SaveAccount(ctx context.Context, a store.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Id] = a
	s.byName[a.Name] = a.Id
	return nil
}

func (s *AccountStore) DeleteAccount(ctx context.Context, id store.AccountId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return apperr.New(apperr.NotFound, "no such account")
	}
	delete(s.accounts, id)
	delete(s.byName, a.Name)
	delete(s.contacts, id)
	return nil
}

func (s *AccountStore) LastRatedGame(ctx context.Context) (store.GameId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRated, nil
}

func (s *AccountStore) SetLastRatedGame(ctx context.Context, id store.GameId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRated = id
	return nil
}

func (s *AccountStore) ListAccounts(ctx context.Context) ([]store.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AccountRecord, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *AccountStore) SetContact(ctx context.Context, c store.ContactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.AccountId] = c
	return nil
}

func (s *AccountStore) GetContact(ctx context.Context, acct store.AccountId) (store.ContactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[acct]
	if !ok {
		return store.ContactRecord{}, apperr.New(apperr.NotFound, "no contact on file")
	}
	return c, nil
}

func (s *AccountStore) BeginRatingUpdate(ctx context.Context, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Before(s.updatingUntil) {
		return false, nil
	}
	s.updatingUntil = now.Add(window)
	return true, nil
}

func (s *AccountStore) EndRatingUpdate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatingUntil = time.Time{}
	return nil
}

// ServerEventStore is the in-memory audit log double.
type ServerEventStore struct {
	mu     sync.Mutex
	events []store.ServerEventRecord
}

func NewServerEventStore() *ServerEventStore { return &ServerEventStore{} }

func (s *ServerEventStore) AppendServerEvent(ctx context.Context, e store.ServerEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *ServerEventStore) ListServerEvents(ctx context.Context, limit int) ([]store.ServerEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.ServerEventRecord, n)
	copy(out, s.events[len(s.events)-n:])
	return out, nil
}

func NewStore() *store.Store {
	return &store.Store{
		Games:    NewGameStore(),
		Accounts: NewAccountStore(),
		Events:   NewServerEventStore(),
	}
}
