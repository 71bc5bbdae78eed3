package sqlite

import (
	"context"
	"testing"
	"time"

	"tak-server/internal/store"
)

func openTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestAccountCreateGetRoundTripsRatingFields(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	a := store.AccountRecord{
		Id:            "a1",
		Name:          "alice",
		PasswordHash:  "hash",
		Rating:        1234.5,
		Boost:         600,
		MaxRating:     1300,
		RatedGames:    7,
		Participation: 1200,
		RatingAge:     42,
		Fatigue:       map[store.AccountId]float64{"bob": 0.25},
		CreatedAt:     time.Now(),
	}
	if err := st.Accounts.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := st.Accounts.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Boost != 600 || got.MaxRating != 1300 || got.RatedGames != 7 || got.Fatigue["bob"] != 0.25 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	got.Rating = 1400
	if err := st.Accounts.SaveAccount(ctx, got); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	byName, err := st.Accounts.GetAccountByName(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccountByName: %v", err)
	}
	if byName.Rating != 1400 {
		t.Fatalf("SaveAccount update not visible via GetAccountByName: %+v", byName)
	}
}

func TestGameCreateSaveGetRoundTrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "alice", Name: "alice", CreatedAt: time.Now()})
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "bob", Name: "bob", CreatedAt: time.Now()})

	g := store.GameRecord{
		Id:         "g1",
		White:      "alice",
		Black:      "bob",
		BoardSize:  5,
		Contingent: 180,
		Increment:  10,
		Pieces:     21,
		Capstones:  1,
		PTNActions: []string{"a1", "b2"},
		StartedAt:  time.Now(),
		Rated:      true,
	}
	if err := st.Games.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	got, err := st.Games.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if len(got.PTNActions) != 2 || got.PTNActions[1] != "b2" || !got.Rated {
		t.Fatalf("GetGame round-trip mismatch: %+v", got)
	}

	got.Result = "1-0"
	got.FinishedAt = time.Now()
	if err := st.Games.SaveGame(ctx, got); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	updated, err := st.Games.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame after save: %v", err)
	}
	if updated.Result != "1-0" || updated.FinishedAt.IsZero() {
		t.Fatalf("SaveGame did not persist the finished state: %+v", updated)
	}

	list, err := st.Games.ListGamesForAccount(ctx, "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListGamesForAccount = %+v, err=%v", list, err)
	}
}

func TestEventAppendAndList(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "alice", Name: "alice", CreatedAt: time.Now()})
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "bob", Name: "bob", CreatedAt: time.Now()})
	st.Games.CreateGame(ctx, store.GameRecord{Id: "g1", White: "alice", Black: "bob", StartedAt: time.Now()})

	st.Games.AppendEvent(ctx, store.EventRecord{GameId: "g1", Seq: 0, Kind: "Action", Payload: "{}", At: time.Now()})
	st.Games.AppendEvent(ctx, store.EventRecord{GameId: "g1", Seq: 1, Kind: "GameOver", Payload: "{}", At: time.Now()})

	events, err := st.Games.ListEvents(ctx, "g1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 0 || events[1].Kind != "GameOver" {
		t.Fatalf("got %+v", events)
	}
}

func TestBeginRatingUpdateClaimWindow(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()

	claimed, err := st.Accounts.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || !claimed {
		t.Fatalf("first claim should succeed: claimed=%v err=%v", claimed, err)
	}
	claimed, err = st.Accounts.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || claimed {
		t.Fatalf("a second claim within the window should fail: claimed=%v err=%v", claimed, err)
	}
	if err := st.Accounts.EndRatingUpdate(ctx); err != nil {
		t.Fatalf("EndRatingUpdate: %v", err)
	}
	claimed, err = st.Accounts.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || !claimed {
		t.Fatalf("claim after EndRatingUpdate should succeed: claimed=%v err=%v", claimed, err)
	}
}

func TestContactRoundTrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "alice", Name: "alice", CreatedAt: time.Now()})

	if _, err := st.Accounts.GetContact(ctx, "alice"); err == nil {
		t.Fatalf("expected no contact on file before SetContact")
	}
	if err := st.Accounts.SetContact(ctx, store.ContactRecord{AccountId: "alice", Email: "a@example.com"}); err != nil {
		t.Fatalf("SetContact: %v", err)
	}
	got, err := st.Accounts.GetContact(ctx, "alice")
	if err != nil || got.Email != "a@example.com" {
		t.Fatalf("GetContact = %+v, err=%v", got, err)
	}
}

func TestRatingInfoColumnsRoundTrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "alice", Name: "alice", CreatedAt: time.Now()})
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "bob", Name: "bob", CreatedAt: time.Now()})
	st.Games.CreateGame(ctx, store.GameRecord{Id: "g1", White: "alice", Black: "bob", StartedAt: time.Now()})

	before, _ := st.Games.GetGame(ctx, "g1")
	if before.RatingInfo != nil {
		t.Fatalf("a fresh game must carry no rating info, got %+v", before.RatingInfo)
	}

	if err := st.Games.SetRatingInfo(ctx, "g1", store.RatingInfo{ChangeWhite: 7.25, ChangeBlack: -7.25}); err != nil {
		t.Fatalf("SetRatingInfo: %v", err)
	}
	after, _ := st.Games.GetGame(ctx, "g1")
	if after.RatingInfo == nil || after.RatingInfo.ChangeWhite != 7.25 || after.RatingInfo.ChangeBlack != -7.25 {
		t.Fatalf("rating info round-trip mismatch: %+v", after.RatingInfo)
	}
	if err := st.Games.SetRatingInfo(ctx, "missing", store.RatingInfo{}); err == nil {
		t.Fatalf("SetRatingInfo on an unknown game should fail")
	}
}

func TestPlayerSnapshotColumnsRoundTrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "alice", Name: "alice", CreatedAt: time.Now()})
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "bob", Name: "bob", CreatedAt: time.Now()})

	g := store.GameRecord{
		Id: "g1", White: "alice", Black: "bob",
		WhiteName: "alice", BlackName: "bob",
		WhiteRating: 1430.5, BlackRating: 1212,
		StartedAt: time.Now(),
	}
	st.Games.CreateGame(ctx, g)
	got, err := st.Games.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.WhiteName != "alice" || got.BlackName != "bob" || got.WhiteRating != 1430.5 || got.BlackRating != 1212 {
		t.Fatalf("snapshot columns round-trip mismatch: %+v", got)
	}
}

func TestDeleteAccountAndGuestFlag(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	st.Accounts.CreateAccount(ctx, store.AccountRecord{Id: "g1", Name: "Guest1", Guest: true, CreatedAt: time.Now()})

	got, err := st.Accounts.GetAccount(ctx, "g1")
	if err != nil || !got.Guest {
		t.Fatalf("guest flag not persisted: %+v err=%v", got, err)
	}
	if err := st.Accounts.DeleteAccount(ctx, "g1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := st.Accounts.GetAccount(ctx, "g1"); err == nil {
		t.Fatalf("deleted account should not resolve")
	}
	if err := st.Accounts.DeleteAccount(ctx, "g1"); err == nil {
		t.Fatalf("double delete should fail")
	}
}

func TestLastRatedGameScalar(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	if id, err := st.Accounts.LastRatedGame(ctx); err != nil || id != "" {
		t.Fatalf("fresh watermark should be empty, got %q err=%v", id, err)
	}
	if err := st.Accounts.SetLastRatedGame(ctx, "g77"); err != nil {
		t.Fatalf("SetLastRatedGame: %v", err)
	}
	if id, _ := st.Accounts.LastRatedGame(ctx); id != "g77" {
		t.Fatalf("watermark = %q, want g77", id)
	}
}

func TestServerEventsAppendAndList(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	for _, kind := range []string{"ban", "kick", "server_alert"} {
		if err := st.Events.AppendServerEvent(ctx, store.ServerEventRecord{Kind: kind, Actor: "root", At: time.Now()}); err != nil {
			t.Fatalf("AppendServerEvent(%s): %v", kind, err)
		}
	}
	events, err := st.Events.ListServerEvents(ctx, 2)
	if err != nil {
		t.Fatalf("ListServerEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "server_alert" {
		t.Fatalf("expected the two most recent events first, got %+v", events)
	}
}
