// Package sqlite is the production store.GameStore/store.AccountStore
// implementation. Grounded directly on go-kgp's db.go: the same WAL
// pragma set and schema-on-open pattern. Statements are not prepared
// up front and there is no DBAction worker pool: every method runs its
// SQL directly on the *sql.DB connection pool (see GameStore).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tak-server/internal/apperr"
	"tak-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	name           TEXT UNIQUE NOT NULL,
	password_hash  TEXT NOT NULL,
	email          TEXT NOT NULL DEFAULT '',
	role           INTEGER NOT NULL DEFAULT 0,
	banned         INTEGER NOT NULL DEFAULT 0,
	silenced       INTEGER NOT NULL DEFAULT 0,
	guest          INTEGER NOT NULL DEFAULT 0,
	rating         REAL NOT NULL DEFAULT 1000,
	boost          REAL NOT NULL DEFAULT 750,
	max_rating     REAL NOT NULL DEFAULT 1000,
	rated_games    INTEGER NOT NULL DEFAULT 0,
	participation  REAL NOT NULL DEFAULT 0,
	rating_age     REAL NOT NULL DEFAULT 0,
	fatigue        TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL,
	last_rated_game TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS contacts (
	account_id TEXT PRIMARY KEY REFERENCES accounts(id),
	email      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS games (
	id            TEXT PRIMARY KEY,
	white         TEXT NOT NULL REFERENCES accounts(id),
	black         TEXT NOT NULL REFERENCES accounts(id),
	white_name    TEXT NOT NULL DEFAULT '',
	black_name    TEXT NOT NULL DEFAULT '',
	white_rating  REAL NOT NULL DEFAULT 0,
	black_rating  REAL NOT NULL DEFAULT 0,
	board_size    INTEGER NOT NULL,
	half_komi     INTEGER NOT NULL,
	contingent    INTEGER NOT NULL DEFAULT 0,
	increment     INTEGER NOT NULL DEFAULT 0,
	pieces        INTEGER NOT NULL DEFAULT 0,
	capstones     INTEGER NOT NULL DEFAULT 0,
	ptn_actions   TEXT NOT NULL DEFAULT '[]',
	result        TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	time_control  TEXT NOT NULL DEFAULT '',
	rated         INTEGER NOT NULL DEFAULT 1,
	rating_change_white REAL,
	rating_change_black REAL
);
CREATE TABLE IF NOT EXISTS events (
	game_id TEXT NOT NULL REFERENCES games(id),
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL,
	at      DATETIME NOT NULL,
	PRIMARY KEY (game_id, seq)
);
CREATE TABLE IF NOT EXISTS rating_state (
	id            INTEGER PRIMARY KEY CHECK (id = 0),
	updating_until DATETIME,
	last_rated_game TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS server_events (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	kind    TEXT NOT NULL,
	actor   TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	detail  TEXT NOT NULL DEFAULT '',
	at      DATETIME NOT NULL
);
`

// Open establishes the database connection, applies the teacher's
// pragma set, and ensures the schema exists.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=268435456",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO rating_state (id, updating_until) VALUES (0, NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding rating_state: %w", err)
	}
	return db, nil
}

// GameStore is the sqlite-backed store.GameStore. Every method opens
// its own short-lived transaction; the teacher's single dbact worker
// pool is generalized here to the stdlib *sql.DB's own connection
// pool, since database/sql already serializes writers safely under
// WAL.
type GameStore struct{ db *sql.DB }

func NewGameStore(db *sql.DB) *GameStore { return &GameStore{db: db} }

func (s *GameStore) CreateGame(ctx context.Context, g store.GameRecord) error {
	return s.SaveGame(ctx, g)
}

func (s *GameStore) SaveGame(ctx context.Context, g store.GameRecord) error {
	actions, err := json.Marshal(g.PTNActions)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encoding ptn actions")
	}
	var finished interface{}
	if !g.FinishedAt.IsZero() {
		finished = g.FinishedAt
	}
	var changeWhite, changeBlack interface{}
	if g.RatingInfo != nil {
		changeWhite, changeBlack = g.RatingInfo.ChangeWhite, g.RatingInfo.ChangeBlack
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO games (id, white, black, white_name, black_name, white_rating, black_rating, board_size, half_komi, contingent, increment, pieces, capstones, ptn_actions, result, started_at, finished_at, time_control, rated, rating_change_white, rating_change_black)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ptn_actions=excluded.ptn_actions, result=excluded.result,
			finished_at=excluded.finished_at, rated=excluded.rated`,
		g.Id, g.White, g.Black, g.WhiteName, g.BlackName, g.WhiteRating, g.BlackRating,
		g.BoardSize, g.HalfKomi, g.Contingent, g.Increment, g.Pieces, g.Capstones,
		actions, g.Result, g.StartedAt, finished, g.TimeControl, g.Rated, changeWhite, changeBlack)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "saving game")
	}
	return nil
}

func (s *GameStore) GetGame(ctx context.Context, id store.GameId) (store.GameRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, white, black, white_name, black_name, white_rating, black_rating, board_size, half_komi, contingent, increment, pieces, capstones, ptn_actions, result, started_at, finished_at, time_control, rated, rating_change_white, rating_change_black
		FROM games WHERE id = ?`, id)
	return scanGame(row)
}

func (s *GameStore) SetRatingInfo(ctx context.Context, id store.GameId, info store.RatingInfo) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE games SET rating_change_white = ?, rating_change_black = ? WHERE id = ?`,
		info.ChangeWhite, info.ChangeBlack, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "setting rating info")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "no such game")
	}
	return nil
}

func (s *GameStore) ListGamesForAccount(ctx context.Context, acct store.AccountId) ([]store.GameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, white, black, white_name, black_name, white_rating, black_rating, board_size, half_komi, contingent, increment, pieces, capstones, ptn_actions, result, started_at, finished_at, time_control, rated, rating_change_white, rating_change_black
		FROM games WHERE white = ? OR black = ? ORDER BY started_at`, acct, acct)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing games")
	}
	defer rows.Close()

	var out []store.GameRecord
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanGame(row scannable) (store.GameRecord, error) {
	var g store.GameRecord
	var actions string
	var finished sql.NullTime
	var changeWhite, changeBlack sql.NullFloat64
	err := row.Scan(&g.Id, &g.White, &g.Black, &g.WhiteName, &g.BlackName,
		&g.WhiteRating, &g.BlackRating, &g.BoardSize, &g.HalfKomi,
		&g.Contingent, &g.Increment, &g.Pieces, &g.Capstones, &actions,
		&g.Result, &g.StartedAt, &finished, &g.TimeControl, &g.Rated,
		&changeWhite, &changeBlack)
	if err == sql.ErrNoRows {
		return store.GameRecord{}, apperr.New(apperr.NotFound, "no such game")
	}
	if err != nil {
		return store.GameRecord{}, apperr.Wrap(apperr.Internal, err, "scanning game")
	}
	if finished.Valid {
		g.FinishedAt = finished.Time
	}
	if changeWhite.Valid && changeBlack.Valid {
		g.RatingInfo = &store.RatingInfo{ChangeWhite: changeWhite.Float64, ChangeBlack: changeBlack.Float64}
	}
	if err := json.Unmarshal([]byte(actions), &g.PTNActions); err != nil {
		return store.GameRecord{}, apperr.Wrap(apperr.Internal, err, "decoding ptn actions")
	}
	return g, nil
}

func (s *GameStore) AppendEvent(ctx context.Context, e store.EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (game_id, seq, kind, payload, at) VALUES (?, ?, ?, ?, ?)`,
		e.GameId, e.Seq, e.Kind, e.Payload, e.At)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "appending event")
	}
	return nil
}

func (s *GameStore) ListEvents(ctx context.Context, game store.GameId) ([]store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, seq, kind, payload, at FROM events WHERE game_id = ? ORDER BY seq`, game)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing events")
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		var e store.EventRecord
		if err := rows.Scan(&e.GameId, &e.Seq, &e.Kind, &e.Payload, &e.At); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AccountStore is the sqlite-backed store.AccountStore.
type AccountStore struct{ db *sql.DB }

func NewAccountStore(db *sql.DB) *AccountStore { return &AccountStore{db: db} }

func (s *AccountStore) CreateAccount(ctx context.Context, a store.AccountRecord) error {
	fatigue, err := json.Marshal(a.Fatigue)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encoding fatigue")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, password_hash, email, role, banned, silenced, guest, rating, boost, max_rating, rated_games, participation, rating_age, fatigue, created_at, last_rated_game)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Id, a.Name, a.PasswordHash, a.Email, a.Role, a.Banned, a.Silenced, a.Guest,
		a.Rating, a.Boost, a.MaxRating, a.RatedGames, a.Participation, a.RatingAge,
		fatigue, a.CreatedAt, a.LastRatedGame)
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, err, "creating account")
	}
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id store.AccountId) (store.AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, email, role, banned, silenced, guest, rating, boost, max_rating, rated_games, participation, rating_age, fatigue, created_at, last_rated_game
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *AccountStore) GetAccountByName(ctx context.Context, name string) (store.AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, email, role, banned, silenced, guest, rating, boost, max_rating, rated_games, participation, rating_age, fatigue, created_at, last_rated_game
		FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

func scanAccount(row scannable) (store.AccountRecord, error) {
	var a store.AccountRecord
	var fatigue string
	err := row.Scan(&a.Id, &a.Name, &a.PasswordHash, &a.Email, &a.Role, &a.Banned,
		&a.Silenced, &a.Guest, &a.Rating, &a.Boost, &a.MaxRating, &a.RatedGames, &a.Participation,
		&a.RatingAge, &fatigue, &a.CreatedAt, &a.LastRatedGame)
	if err == sql.ErrNoRows {
		return store.AccountRecord{}, apperr.New(apperr.NotFound, "no such account")
	}
	if err != nil {
		return store.AccountRecord{}, apperr.Wrap(apperr.Internal, err, "scanning account")
	}
	if err := json.Unmarshal([]byte(fatigue), &a.Fatigue); err != nil {
		return store.AccountRecord{}, apperr.Wrap(apperr.Internal, err, "decoding fatigue")
	}
	return a, nil
}

func (s *AccountStore) SaveAccount(ctx context.Context, a store.AccountRecord) error {
	fatigue, err := json.Marshal(a.Fatigue)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encoding fatigue")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash=?, email=?, role=?, banned=?, silenced=?, guest=?,
			rating=?, boost=?, max_rating=?, rated_games=?, participation=?, rating_age=?,
			fatigue=?, last_rated_game=? WHERE id=?`,
		a.PasswordHash, a.Email, a.Role, a.Banned, a.Silenced, a.Guest, a.Rating,
		a.Boost, a.MaxRating, a.RatedGames, a.Participation, a.RatingAge,
		fatigue, a.LastRatedGame, a.Id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "saving account")
	}
	return nil
}

func (s *AccountStore) DeleteAccount(ctx context.Context, id store.AccountId) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE account_id = ?`, id); err != nil {
		return apperr.Wrap(apperr.Internal, err, "deleting contact")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "deleting account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "no such account")
	}
	return nil
}

func (s *AccountStore) LastRatedGame(ctx context.Context) (store.GameId, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_rated_game FROM rating_state WHERE id = 0`)
	var id store.GameId
	if err := row.Scan(&id); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "reading last rated game")
	}
	return id, nil
}

func (s *AccountStore) SetLastRatedGame(ctx context.Context, id store.GameId) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rating_state SET last_rated_game = ? WHERE id = 0`, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "writing last rated game")
	}
	return nil
}

func (s *AccountStore) ListAccounts(ctx context.Context) ([]store.AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, password_hash, email, role, banned, silenced, guest, rating, boost, max_rating, rated_games, participation, rating_age, fatigue, created_at, last_rated_game
		FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing accounts")
	}
	defer rows.Close()

	var out []store.AccountRecord
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AccountStore) SetContact(ctx context.Context, c store.ContactRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (account_id, email) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET email=excluded.email`, c.AccountId, c.Email)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "setting contact")
	}
	return nil
}

func (s *AccountStore) GetContact(ctx context.Context, acct store.AccountId) (store.ContactRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, email FROM contacts WHERE account_id = ?`, acct)
	var c store.ContactRecord
	if err := row.Scan(&c.AccountId, &c.Email); err != nil {
		if err == sql.ErrNoRows {
			return store.ContactRecord{}, apperr.New(apperr.NotFound, "no contact on file")
		}
		return store.ContactRecord{}, apperr.Wrap(apperr.Internal, err, "scanning contact")
	}
	return c, nil
}

// BeginRatingUpdate claims the single-row is_updating flag,
// implementing spec §4.5's 6-hour idempotency window directly as a
// conditional UPDATE so the claim is atomic even with concurrent
// callers.
func (s *AccountStore) BeginRatingUpdate(ctx context.Context, window time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rating_state SET updating_until = ?
		WHERE id = 0 AND (updating_until IS NULL OR updating_until < ?)`,
		now.Add(window), now)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "claiming rating update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "checking rating update claim")
	}
	return n == 1, nil
}

func (s *AccountStore) EndRatingUpdate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rating_state SET updating_until = NULL WHERE id = 0`)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "releasing rating update")
	}
	return nil
}

// ServerEventStore is the sqlite-backed audit log.
type ServerEventStore struct{ db *sql.DB }

func NewServerEventStore(db *sql.DB) *ServerEventStore { return &ServerEventStore{db: db} }

func (s *ServerEventStore) AppendServerEvent(ctx context.Context, e store.ServerEventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_events (kind, actor, subject, detail, at) VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.Actor, e.Subject, e.Detail, e.At)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "appending server event")
	}
	return nil
}

func (s *ServerEventStore) ListServerEvents(ctx context.Context, limit int) ([]store.ServerEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, actor, subject, detail, at FROM server_events
		ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "listing server events")
	}
	defer rows.Close()

	var out []store.ServerEventRecord
	for rows.Next() {
		var e store.ServerEventRecord
		if err := rows.Scan(&e.Kind, &e.Actor, &e.Subject, &e.Detail, &e.At); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning server event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func NewStore(db *sql.DB) *store.Store {
	return &store.Store{
		Games:    NewGameStore(db),
		Accounts: NewAccountStore(db),
		Events:   NewServerEventStore(db),
	}
}
