// Package app is the workflow orchestrator: the single place that
// wires every subsystem together and exposes the use-cases a protocol
// adapter calls into. Grounded on go-kgp's conf.go start() function,
// which holds the one long-lived Conf value every subsystem's init()
// method receives explicitly — here generalized into an Application
// value threaded through every use-case instead of global state (spec
// §9 "Global singletons: passed explicitly").
package app

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tak-server/internal/apperr"
	"tak-server/internal/auth"
	"tak-server/internal/chat"
	"tak-server/internal/conf"
	"tak-server/internal/engine"
	"tak-server/internal/mail"
	"tak-server/internal/match"
	"tak-server/internal/moderation"
	"tak-server/internal/notify"
	"tak-server/internal/ongoing"
	"tak-server/internal/rating"
	"tak-server/internal/store"

	"github.com/google/uuid"
)

type Application struct {
	Conf       *conf.Conf
	Store      *store.Store
	Registry   *notify.Registry
	Ongoing    *ongoing.Service
	Match      *match.Service
	Moderation *moderation.Service
	Chat       *chat.Service
	Mailer     mail.Mailer
	Tokens     auth.Tokens

	guests *guestTable
}

// New wires every subsystem together exactly once per process.
func New(c *conf.Conf, st *store.Store, filter chat.Filter, mailer mail.Mailer) *Application {
	registry := notify.NewRegistry()
	ongoingSvc := ongoing.NewService(st, registry, c.Game.TimeoutEpsilon)
	matchSvc := match.NewService()

	a := &Application{
		Conf:     c,
		Store:    st,
		Registry: registry,
		Ongoing:  ongoingSvc,
		Match:    matchSvc,
		Mailer:   mailer,
		Tokens:   auth.NewTokens(c.Auth.JWTSecret),
		guests:   newGuestTable(c.Game.GuestSeed),
	}

	a.Moderation = moderation.NewService(st.Accounts, func(acct store.AccountId) {
		if id, ok := registry.ListenerOf(notify.AccountId(acct)); ok {
			registry.Disconnect(id, notify.ReasonKicked)
		}
	})
	a.Chat = chat.NewService(registry, st.Accounts, filter)

	ongoingSvc.OnFinish(func(ctx context.Context, e *ongoing.Entry) {
		a.finalizeGame(ctx, e)
	})

	return a
}

// audit appends a server-level event, best-effort: the audit log never
// fails a user-facing operation.
func (a *Application) audit(ctx context.Context, kind string, actor store.AccountId, subject, detail string) {
	if a.Store.Events == nil {
		return
	}
	a.Store.Events.AppendServerEvent(ctx, store.ServerEventRecord{
		Kind: kind, Actor: actor, Subject: subject, Detail: detail, At: time.Now(),
	})
}

// finalizeGame persists a just-finished game's result. It fetches the
// record startGame created (carrying the settings the rating engine's
// eligibility gate needs) rather than rebuilding one from scratch, so
// a game's Contingent/Increment/Pieces/Capstones survive into the
// finished row unchanged; only the outcome fields change here. Rated
// comes from the entry itself — set once, at creation, from the
// seek's Unrated flag — never from a hard-coded constant.
func (a *Application) finalizeGame(ctx context.Context, e *ongoing.Entry) {
	actions := make([]string, len(e.Game.History))
	for i, act := range e.Game.History {
		actions[i] = engine.EncodeAction(act)
	}
	rec, err := a.Store.Games.GetGame(ctx, e.Id)
	if err != nil {
		rec = store.GameRecord{
			Id:        e.Id,
			White:     e.White,
			Black:     e.Black,
			BoardSize: uint8(e.Game.Board.Size),
			HalfKomi:  e.Game.Settings.HalfKomi,
		}
	}
	rec.PTNActions = actions
	rec.Result = engine.EncodeResult(e.Game.State)
	rec.FinishedAt = time.Now()
	rec.Rated = e.Rated
	if err := a.Store.Games.SaveGame(ctx, rec); err != nil {
		// One retry, then the dead-letter file; losing a finished game
		// silently is the one failure mode this path may not have.
		if err := a.Store.Games.SaveGame(ctx, rec); err != nil {
			a.Conf.Log.Printf("persisting finished game %s failed twice: %v", rec.Id, err)
			a.deadLetter(rec)
		}
	}
	a.audit(ctx, "game_finished", "", string(rec.Id), rec.Result)

	go func() {
		rating.Run(context.Background(), a.Store)
	}()
}

// deadLetter appends the unpersistable record as one JSON line so an
// operator can replay it once the database recovers.
func (a *Application) deadLetter(rec store.GameRecord) {
	path := a.Conf.Database.DeadLetter
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		a.Conf.Log.Printf("opening dead-letter file: %v", err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		a.Conf.Log.Printf("writing dead-letter record: %v", err)
	}
}

// Register creates a new account with a bcrypt-hashed password.
func (a *Application) Register(ctx context.Context, name, password, email string) (store.AccountRecord, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.AccountRecord{}, apperr.Wrap(apperr.Internal, err, "hashing password")
	}
	rec := store.AccountRecord{
		Id:           store.AccountId(uuid.NewString()),
		Name:         name,
		PasswordHash: string(hash),
		Email:        email,
		Role:         store.RoleUser,
		Rating:       rating.InitialRating,
		Boost:        rating.InitialBoost,
		MaxRating:    rating.InitialRating,
		Fatigue:      make(map[store.AccountId]float64),
		CreatedAt:    time.Now(),
	}
	if err := a.Store.Accounts.CreateAccount(ctx, rec); err != nil {
		return store.AccountRecord{}, err
	}
	return rec, nil
}

// Authenticate verifies name/password and returns the account.
func (a *Application) Authenticate(ctx context.Context, name, password string) (store.AccountRecord, error) {
	rec, err := a.Store.Accounts.GetAccountByName(ctx, name)
	if err != nil {
		return store.AccountRecord{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return store.AccountRecord{}, apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	if rec.Banned {
		return store.AccountRecord{}, apperr.New(apperr.Forbidden, "account is banned")
	}
	return rec, nil
}

// Connect registers a new listener for account and returns its id and
// outbound queue; callers spawn the writer goroutine.
func (a *Application) Connect(account store.AccountId) (notify.ListenerId, *notify.Queue) {
	return a.Registry.Connect(notify.AccountId(account))
}

// BindListener associates an authenticated listener with its account
// (displacing any previous session of the same account) and tells the
// world who is online now.
func (a *Application) BindListener(id notify.ListenerId, account store.AccountId) {
	a.Registry.Rebind(id, notify.AccountId(account))
	a.Registry.Broadcast(notify.PlayersOnline{Accounts: a.Registry.Online()})
}

func (a *Application) Disconnect(id notify.ListenerId, reason notify.DisconnectReason) {
	acct, wasBound := a.Registry.AccountOf(id)
	a.Registry.Disconnect(id, reason)
	if wasBound && acct != "" {
		a.guests.touch(store.AccountId(acct))
		a.Registry.Broadcast(notify.PlayersOnline{Accounts: a.Registry.Online()})
	}
}

// ServerAlert broadcasts an operator notice to every connected
// listener. Admin only.
func (a *Application) ServerAlert(ctx context.Context, actor store.AccountId, text string) error {
	rec, err := a.Store.Accounts.GetAccount(ctx, actor)
	if err != nil {
		return err
	}
	if rec.Role != store.RoleAdmin {
		return apperr.New(apperr.Forbidden, "only an admin may broadcast alerts")
	}
	a.Registry.Broadcast(notify.ServerAlert{Text: text})
	a.audit(ctx, "server_alert", actor, "", text)
	return nil
}

// Seek opens a new matchmaking seek for account and announces it. A
// second seek replaces the first, whose cancellation is fanned out.
func (a *Application) Seek(account store.AccountId, settings engine.GameSettings, unrated bool) (match.Seek, error) {
	seek, replaced, err := a.Match.CreateSeek(account, settings, unrated)
	if err != nil {
		return match.Seek{}, err
	}
	if replaced != "" {
		a.Registry.Broadcast(notify.SeekCanceled{SeekId: string(replaced)})
	}
	a.Registry.Broadcast(notify.SeekCreated{
		SeekId:     string(seek.Id),
		Owner:      notify.AccountId(seek.Owner),
		BoardSize:  seek.Settings.BoardSize,
		Contingent: seek.Settings.Time.Contingent / 1e9,
		Increment:  seek.Settings.Time.Increment / 1e9,
		Unrated:    seek.Unrated,
	})
	return seek, nil
}

// CancelSeek withdraws account's open seek and announces the removal.
func (a *Application) CancelSeek(account store.AccountId, id match.SeekId) error {
	if err := a.Match.WithdrawSeek(account, id); err != nil {
		return err
	}
	a.Registry.Broadcast(notify.SeekCanceled{SeekId: string(id)})
	return nil
}

// AcceptSeek pairs acceptor against an open seek and starts the game.
// Both participants' open seeks leave the table: the accepted one, and
// any seek the acceptor had open themselves.
func (a *Application) AcceptSeek(ctx context.Context, acceptor store.AccountId, id match.SeekId) (store.GameId, error) {
	pairing, err := a.Match.AcceptSeek(acceptor, id)
	if err != nil {
		return "", err
	}
	a.Registry.Broadcast(notify.SeekCanceled{SeekId: string(id)})
	if own, ok := a.Match.CancelSeekOf(acceptor); ok {
		a.Registry.Broadcast(notify.SeekCanceled{SeekId: string(own)})
	}
	return a.startGame(ctx, pairing)
}

// Rematch implements spec §4.4's request_or_accept_rematch: either
// former participant of prevGame may call it. The first call records
// the offer; the second, from the other participant, immediately
// starts a new game with colors swapped and returns its id. started
// is false while the offer is still waiting on the opponent.
func (a *Application) Rematch(ctx context.Context, prevGame store.GameId, requester store.AccountId) (gid store.GameId, started bool, err error) {
	prev, err := a.Store.Games.GetGame(ctx, prevGame)
	if err != nil {
		return "", false, err
	}
	if prev.White != requester && prev.Black != requester {
		return "", false, apperr.NotPossiblef(apperr.ReasonNotParticipant, "%s was not a participant in %s", requester, prevGame)
	}
	timeKind := engine.Realtime
	if prev.TimeControl == "async" {
		timeKind = engine.Async
	}
	settings := engine.GameSettings{
		BoardSize: prev.BoardSize,
		HalfKomi:  prev.HalfKomi,
		Reserve:   engine.Reserve{Pieces: prev.Pieces, Capstones: prev.Capstones},
		Time: engine.TimeSettings{
			Kind:       timeKind,
			Contingent: prev.Contingent * 1e9,
			Increment:  prev.Increment * 1e9,
		},
	}
	pairing, started, err := a.Match.RequestOrAcceptRematch(prevGame, requester, settings, prev.White, !prev.Rated)
	if err != nil || !started {
		return "", false, err
	}
	gid, err = a.startGame(ctx, pairing)
	return gid, true, err
}

func (a *Application) startGame(ctx context.Context, p match.Pairing) (store.GameId, error) {
	gid := store.GameId(uuid.NewString())
	if _, err := a.Ongoing.Create(gid, p.White, p.Black, p.Settings, !p.Unrated); err != nil {
		return "", err
	}
	whiteRec, _ := a.Store.Accounts.GetAccount(ctx, p.White)
	blackRec, _ := a.Store.Accounts.GetAccount(ctx, p.Black)
	rec := store.GameRecord{
		Id:          gid,
		White:       p.White,
		Black:       p.Black,
		WhiteName:   whiteRec.Name,
		BlackName:   blackRec.Name,
		WhiteRating: whiteRec.Rating,
		BlackRating: blackRec.Rating,
		BoardSize:   p.Settings.BoardSize,
		HalfKomi:    p.Settings.HalfKomi,
		Contingent:  p.Settings.Time.Contingent / 1e9,
		Increment:   p.Settings.Time.Increment / 1e9,
		Pieces:      p.Settings.Reserve.Pieces,
		Capstones:   p.Settings.Reserve.Capstones,
		StartedAt:   time.Now(),
		TimeControl: timeControlString(p.Settings),
		Rated:       !p.Unrated,
	}
	if err := a.Store.Games.CreateGame(ctx, rec); err != nil {
		return "", err
	}
	for _, acct := range []store.AccountId{p.White, p.Black} {
		if listener, ok := a.Registry.ListenerOf(notify.AccountId(acct)); ok {
			a.Registry.Observe(listener, notify.GameId(gid))
		}
	}
	a.Registry.MulticastGame(notify.GameId(gid), notify.GameStarted{
		Game:  notify.GameId(gid),
		White: notify.AccountId(p.White),
		Black: notify.AccountId(p.Black),
	})
	return gid, nil
}

// ObserveGame subscribes a listener to a game's event stream;
// UnobserveGame ends the subscription.
func (a *Application) ObserveGame(listener notify.ListenerId, game store.GameId) error {
	if _, err := a.Ongoing.Status(game); err != nil {
		return err
	}
	a.Registry.Observe(listener, notify.GameId(game))
	return nil
}

func (a *Application) UnobserveGame(listener notify.ListenerId, game store.GameId) {
	a.Registry.Unobserve(listener, notify.GameId(game))
}

func (a *Application) RetractRequest(game store.GameId, account store.AccountId, reqID uint64) error {
	return a.Ongoing.RetractRequest(game, account, reqID)
}

func timeControlString(s engine.GameSettings) string {
	switch s.Time.Kind {
	case engine.Realtime:
		return "realtime"
	default:
		return "async"
	}
}

// DoAction applies a player's move or placement to an ongoing game.
func (a *Application) DoAction(ctx context.Context, game store.GameId, account store.AccountId, action engine.Action) error {
	return a.Ongoing.DoAction(ctx, game, account, action)
}

func (a *Application) Resign(ctx context.Context, game store.GameId, account store.AccountId) error {
	return a.Ongoing.Resign(ctx, game, account)
}

func (a *Application) OfferDraw(game store.GameId, account store.AccountId) (uint64, error) {
	return a.Ongoing.AddRequest(game, account, ongoing.RequestDraw)
}

func (a *Application) RequestUndo(game store.GameId, account store.AccountId) (uint64, error) {
	return a.Ongoing.AddRequest(game, account, ongoing.RequestUndo)
}

func (a *Application) RequestMoreTime(game store.GameId, account store.AccountId) (uint64, error) {
	return a.Ongoing.AddRequest(game, account, ongoing.RequestMoreTime)
}

func (a *Application) AcceptRequest(ctx context.Context, game store.GameId, account store.AccountId, reqID uint64) error {
	const moreTimeBonus = 5 * time.Minute
	return a.Ongoing.AcceptRequest(ctx, game, account, reqID, moreTimeBonus)
}

func (a *Application) RejectRequest(game store.GameId, account store.AccountId, reqID uint64) error {
	return a.Ongoing.RejectRequest(game, account, reqID)
}
