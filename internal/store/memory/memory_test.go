package memory

import (
	"context"
	"testing"
	"time"

	"tak-server/internal/store"
)

func TestGameStoreCreateGetRoundTripsRatingFields(t *testing.T) {
	s := NewGameStore()
	ctx := context.Background()
	g := store.GameRecord{
		Id:         "g1",
		White:      "alice",
		Black:      "bob",
		BoardSize:  5,
		Contingent: 180,
		Increment:  10,
		Pieces:     21,
		Capstones:  1,
		Rated:      true,
	}
	if err := s.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if err := s.CreateGame(ctx, g); err == nil {
		t.Fatalf("expected a duplicate CreateGame to fail")
	}

	got, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.Contingent != 180 || got.Increment != 10 || got.Pieces != 21 || got.Capstones != 1 || !got.Rated {
		t.Fatalf("GetGame round-trip mismatch: %+v", got)
	}

	got.Result = "1-0"
	got.FinishedAt = time.Unix(1000, 0)
	if err := s.SaveGame(ctx, got); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}
	updated, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame after save: %v", err)
	}
	if updated.Result != "1-0" {
		t.Fatalf("SaveGame did not persist Result")
	}
}

func TestGameStoreListGamesForAccount(t *testing.T) {
	s := NewGameStore()
	ctx := context.Background()
	s.CreateGame(ctx, store.GameRecord{Id: "g1", White: "alice", Black: "bob"})
	s.CreateGame(ctx, store.GameRecord{Id: "g2", White: "carol", Black: "dave"})

	got, err := s.ListGamesForAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("ListGamesForAccount: %v", err)
	}
	if len(got) != 1 || got[0].Id != "g1" {
		t.Fatalf("got %+v, want exactly g1", got)
	}
}

func TestGameStoreAppendAndListEvents(t *testing.T) {
	s := NewGameStore()
	ctx := context.Background()
	s.AppendEvent(ctx, store.EventRecord{GameId: "g1", Seq: 0, Kind: "Action"})
	s.AppendEvent(ctx, store.EventRecord{GameId: "g1", Seq: 1, Kind: "GameOver"})

	events, err := s.ListEvents(ctx, "g1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "Action" || events[1].Kind != "GameOver" {
		t.Fatalf("got %+v", events)
	}
}

func TestAccountStoreCreateRejectsDuplicateIdAndName(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	a := store.AccountRecord{Id: "a1", Name: "alice"}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := s.CreateAccount(ctx, a); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
	if err := s.CreateAccount(ctx, store.AccountRecord{Id: "a2", Name: "alice"}); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestAccountStoreRoundTripsRatingEngineFields(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	a := store.AccountRecord{
		Id:            "a1",
		Name:          "alice",
		Rating:        1234.5,
		Boost:         600,
		MaxRating:     1300,
		RatedGames:    12,
		Participation: 1200,
		RatingAge:     999,
		Fatigue:       map[store.AccountId]float64{"bob": 0.4},
	}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Boost != 600 || got.MaxRating != 1300 || got.RatedGames != 12 || got.Participation != 1200 || got.RatingAge != 999 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Fatigue["bob"] != 0.4 {
		t.Fatalf("Fatigue map did not round-trip: %+v", got.Fatigue)
	}

	got.Rating = 1400
	if err := s.SaveAccount(ctx, got); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	byName, err := s.GetAccountByName(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccountByName: %v", err)
	}
	if byName.Rating != 1400 {
		t.Fatalf("GetAccountByName did not see the saved update")
	}
}

func TestBeginRatingUpdateClaimWindow(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	claimed, err := s.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || !claimed {
		t.Fatalf("first claim should succeed: claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || claimed {
		t.Fatalf("a second claim within the window should fail: claimed=%v err=%v", claimed, err)
	}

	if err := s.EndRatingUpdate(ctx); err != nil {
		t.Fatalf("EndRatingUpdate: %v", err)
	}
	claimed, err = s.BeginRatingUpdate(ctx, time.Hour)
	if err != nil || !claimed {
		t.Fatalf("claim after EndRatingUpdate should succeed: claimed=%v err=%v", claimed, err)
	}
}

func TestContactRoundTrip(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	if _, err := s.GetContact(ctx, "a1"); err == nil {
		t.Fatalf("expected no contact on file before SetContact")
	}
	if err := s.SetContact(ctx, store.ContactRecord{AccountId: "a1", Email: "a@example.com"}); err != nil {
		t.Fatalf("SetContact: %v", err)
	}
	got, err := s.GetContact(ctx, "a1")
	if err != nil || got.Email != "a@example.com" {
		t.Fatalf("GetContact = %+v, err=%v", got, err)
	}
}

func TestSetRatingInfoAttachesChanges(t *testing.T) {
	s := NewGameStore()
	ctx := context.Background()
	s.CreateGame(ctx, store.GameRecord{Id: "g1", White: "a", Black: "b", StartedAt: time.Now()})

	if err := s.SetRatingInfo(ctx, "g1", store.RatingInfo{ChangeWhite: 12.5, ChangeBlack: -12.5}); err != nil {
		t.Fatalf("SetRatingInfo: %v", err)
	}
	got, _ := s.GetGame(ctx, "g1")
	if got.RatingInfo == nil || got.RatingInfo.ChangeWhite != 12.5 || got.RatingInfo.ChangeBlack != -12.5 {
		t.Fatalf("rating info not attached: %+v", got.RatingInfo)
	}
	if err := s.SetRatingInfo(ctx, "missing", store.RatingInfo{}); err == nil {
		t.Fatalf("SetRatingInfo on an unknown game should fail")
	}
}

func TestDeleteAccountRemovesNameAndContact(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	s.CreateAccount(ctx, store.AccountRecord{Id: "a1", Name: "ghost", CreatedAt: time.Now()})
	s.SetContact(ctx, store.ContactRecord{AccountId: "a1", Email: "g@example.com"})

	if err := s.DeleteAccount(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := s.GetAccountByName(ctx, "ghost"); err == nil {
		t.Fatalf("deleted account should not resolve by name")
	}
	if _, err := s.GetContact(ctx, "a1"); err == nil {
		t.Fatalf("deleted account's contact should be gone")
	}
	if err := s.DeleteAccount(ctx, "a1"); err == nil {
		t.Fatalf("double delete should fail")
	}
}

func TestLastRatedGameWatermarkRoundTrips(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	if id, _ := s.LastRatedGame(ctx); id != "" {
		t.Fatalf("fresh store should have an empty watermark, got %q", id)
	}
	s.SetLastRatedGame(ctx, "g42")
	if id, _ := s.LastRatedGame(ctx); id != "g42" {
		t.Fatalf("watermark = %q, want g42", id)
	}
}

func TestServerEventStoreAppendsAndLimits(t *testing.T) {
	s := NewServerEventStore()
	ctx := context.Background()
	for _, kind := range []string{"ban", "kick", "server_alert"} {
		s.AppendServerEvent(ctx, store.ServerEventRecord{Kind: kind, At: time.Now()})
	}
	all, err := s.ListServerEvents(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListServerEvents = %d events, err %v; want 3", len(all), err)
	}
	last, _ := s.ListServerEvents(ctx, 2)
	if len(last) != 2 || last[len(last)-1].Kind != "server_alert" {
		t.Fatalf("limited listing should keep the most recent events, got %+v", last)
	}
}
