// Package store defines the repository ports every use-case in this
// server talks to, and nothing else: no subsystem imports a concrete
// database driver directly. Grounded on go-kgp's db.go, which funnels
// every persistence concern through a single DBAction channel — here
// generalized into explicit per-entity interfaces so tests can supply
// in-memory doubles (package store/memory) while the production
// binary wires store/sqlite, per the "dynamic dispatch at the
// outermost layer only" design note.
package store

import (
	"context"
	"time"
)

type AccountId string
type GameId string

type Role uint8

const (
	RoleUser Role = iota
	RoleModerator
	RoleAdmin
)

// AccountRecord is the persisted shape of a player's account. The
// Boost/MaxRating/RatedGames/Participation/RatingAge/Fatigue fields
// are the rating engine's per-player state, spec §4.7 ("PlayerRating"):
// a running bonus pool, a career-high rating used to taper the
// K-factor, the games-played counter that same K-factor decays
// against, the participation score (0 to 20) from the last rating
// run, the decay anchor used to compute it, and a per-opponent fatigue map that
// dampens repeated games against the same player.
type AccountRecord struct {
	Id            AccountId
	Name          string
	PasswordHash  string
	Email         string
	Role          Role
	Banned        bool
	Silenced      bool
	Guest         bool
	Rating        float64
	Boost         float64
	MaxRating     float64
	RatedGames    uint32
	Participation float64
	RatingAge     float64
	Fatigue       map[AccountId]float64
	CreatedAt     time.Time
	LastRatedGame GameId
}

// GameRecord is the persisted shape of a finished or ongoing game,
// sufficient both to resume an ongoing game on restart and to feed
// the rating engine's full-corpus replay. Contingent/Increment are in
// seconds; Pieces/Capstones mirror the symmetric engine.Reserve both
// players started from. All four exist solely so the rating engine's
// eligibility band (spec §4.7) can be evaluated long after the game
// ends, without reaching back into engine.GameSettings.
type GameRecord struct {
	Id    GameId
	White AccountId
	Black AccountId
	// Name/rating snapshots taken at game start, so the record stays
	// immutable across later renames and rating changes.
	WhiteName   string
	BlackName   string
	WhiteRating float64
	BlackRating float64
	BoardSize   uint8
	HalfKomi    uint32
	Contingent  uint64
	Increment   uint64
	Pieces      uint32
	Capstones   uint32
	PTNActions  []string
	Result      string // PTN result token, empty while ongoing
	StartedAt   time.Time
	FinishedAt  time.Time
	TimeControl string
	Rated       bool
	RatingInfo  *RatingInfo
}

// RatingInfo is the per-game rating outcome the rating engine writes
// back once a finished game has been folded into both players'
// ratings. Absent (nil) until then, and permanently absent for games
// the eligibility gate excluded.
type RatingInfo struct {
	ChangeWhite float64
	ChangeBlack float64
}

// ContactRecord is an opaque message-delivery address (email, etc.)
// kept alongside an account for password resets and notifications.
type ContactRecord struct {
	AccountId AccountId
	Email     string
}

// EventRecord is one row of a game's append-only event log (spec
// §4.2's event taxonomy: Action, RequestAdded, ... Timeout).
type EventRecord struct {
	GameId    GameId
	Seq       uint64
	Kind      string
	Payload   string // JSON-encoded event body
	At        time.Time
}

// ServerEventRecord is one row of the server-level audit log:
// moderation actions, finalizations, rating runs (spec §6 "an events
// repository stores server-level events for audit").
type ServerEventRecord struct {
	Kind    string
	Actor   AccountId
	Subject string
	Detail  string
	At      time.Time
}

// GameStore persists games and their event logs.
type GameStore interface {
	CreateGame(ctx context.Context, g GameRecord) error
	SaveGame(ctx context.Context, g GameRecord) error
	GetGame(ctx context.Context, id GameId) (GameRecord, error)
	ListGamesForAccount(ctx context.Context, acct AccountId) ([]GameRecord, error)
	// SetRatingInfo attaches the rating engine's per-game outcome
	// without touching any other column.
	SetRatingInfo(ctx context.Context, id GameId, info RatingInfo) error
	AppendEvent(ctx context.Context, e EventRecord) error
	ListEvents(ctx context.Context, game GameId) ([]EventRecord, error)
}

// ServerEventStore is the append-only audit log port.
type ServerEventStore interface {
	AppendServerEvent(ctx context.Context, e ServerEventRecord) error
	ListServerEvents(ctx context.Context, limit int) ([]ServerEventRecord, error)
}

// AccountStore persists accounts, their contact info, and the
// "is_updating" rating-recomputation flag (spec §4.5's idempotency
// guard).
type AccountStore interface {
	CreateAccount(ctx context.Context, a AccountRecord) error
	GetAccount(ctx context.Context, id AccountId) (AccountRecord, error)
	GetAccountByName(ctx context.Context, name string) (AccountRecord, error)
	SaveAccount(ctx context.Context, a AccountRecord) error
	DeleteAccount(ctx context.Context, id AccountId) error
	ListAccounts(ctx context.Context) ([]AccountRecord, error)
	SetContact(ctx context.Context, c ContactRecord) error
	GetContact(ctx context.Context, acct AccountId) (ContactRecord, error)

	// LastRatedGame is the scalar watermark the rating engine leaves
	// behind: the most recent game whose rating_info it persisted.
	LastRatedGame(ctx context.Context) (GameId, error)
	SetLastRatedGame(ctx context.Context, id GameId) error

	// BeginRatingUpdate atomically claims the is_updating flag,
	// returning false if it is already claimed and not yet expired
	// (spec §4.5: a 6-hour claim window to allow late resign
	// adjustments without racing a concurrent recompute).
	BeginRatingUpdate(ctx context.Context, window time.Duration) (bool, error)
	EndRatingUpdate(ctx context.Context) error
}

// Store aggregates every repository port the application needs. The
// production binary constructs one backed by store/sqlite; tests
// construct one backed by store/memory.
type Store struct {
	Games    GameStore
	Accounts AccountStore
	Events   ServerEventStore
}
