package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tak-server/internal/notify"
	"tak-server/internal/rating"
	"tak-server/internal/store"

	"github.com/google/uuid"
)

// guestTable tracks when each guest account was last seen so the
// sweeper can expire sessions idle past the configured TTL. Guests
// are stored as ordinary (flagged) accounts for as long as they live,
// so every other subsystem treats them like any player.
type guestTable struct {
	mu       sync.Mutex
	counter  uint64
	lastSeen map[store.AccountId]time.Time
}

func newGuestTable(seed uint64) *guestTable {
	return &guestTable{
		counter:  seed,
		lastSeen: make(map[store.AccountId]time.Time),
	}
}

func (g *guestTable) next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return g.counter
}

func (g *guestTable) track(id store.AccountId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSeen[id] = time.Now()
}

// touch refreshes a guest's idle timer; a no-op for regular accounts.
func (g *guestTable) touch(id store.AccountId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.lastSeen[id]; ok {
		g.lastSeen[id] = time.Now()
	}
}

func (g *guestTable) idleSince(cutoff time.Time) []store.AccountId {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.AccountId
	for id, seen := range g.lastSeen {
		if seen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (g *guestTable) forget(id store.AccountId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, id)
}

// GuestLogin creates an ephemeral GuestN account and returns it. The
// account carries an unguessable password hash so it can never be
// logged into by name, and the guest sweeper removes it once its
// session has been idle past the TTL.
func (a *Application) GuestLogin(ctx context.Context) (store.AccountRecord, error) {
	for {
		name := fmt.Sprintf("Guest%d", a.guests.next())
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
		if err != nil {
			return store.AccountRecord{}, err
		}
		rec := store.AccountRecord{
			Id:           store.AccountId(uuid.NewString()),
			Name:         name,
			PasswordHash: string(hash),
			Role:         store.RoleUser,
			Guest:        true,
			Rating:       rating.InitialRating,
			Boost:        rating.InitialBoost,
			MaxRating:    rating.InitialRating,
			Fatigue:      make(map[store.AccountId]float64),
			CreatedAt:    time.Now(),
		}
		if err := a.Store.Accounts.CreateAccount(ctx, rec); err != nil {
			// Name collision with a restored database: advance the
			// counter and try the next number.
			if _, lookupErr := a.Store.Accounts.GetAccountByName(ctx, name); lookupErr == nil {
				continue
			}
			return store.AccountRecord{}, err
		}
		a.guests.track(rec.Id)
		return rec, nil
	}
}

// SweepIdleGuests deletes guest accounts whose session has been idle
// past ttl and that have no live listener.
func (a *Application) SweepIdleGuests(ctx context.Context, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	for _, id := range a.guests.idleSince(cutoff) {
		if _, connected := a.Registry.ListenerOf(notify.AccountId(id)); connected {
			a.guests.touch(id)
			continue
		}
		if err := a.Store.Accounts.DeleteAccount(ctx, id); err != nil {
			a.Conf.Log.Printf("expiring guest %s: %v", id, err)
		}
		a.guests.forget(id)
	}
}

// RunGuestSweeper blocks, sweeping every interval, until ctx is done.
func (a *Application) RunGuestSweeper(ctx context.Context, interval, ttl time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.SweepIdleGuests(ctx, ttl)
		}
	}
}
