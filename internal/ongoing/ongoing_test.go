package ongoing

import (
	"context"
	"testing"
	"time"

	"tak-server/internal/apperr"
	"tak-server/internal/engine"
	"tak-server/internal/notify"
	"tak-server/internal/store"
	"tak-server/internal/store/memory"
)

func newTestService() (*Service, *store.Store) {
	st := memory.NewStore()
	registry := notify.NewRegistry()
	return NewService(st, registry, time.Minute), st
}

func smallSettings() engine.GameSettings {
	return engine.GameSettings{
		BoardSize: 5,
		Reserve:   engine.Reserve{Pieces: 21, Capstones: 1},
		Time: engine.TimeSettings{
			Kind:       engine.Realtime,
			Contingent: uint64(5 * time.Minute),
			Increment:  uint64(2 * time.Second),
		},
	}
}

func TestCreateCarriesRatedFlag(t *testing.T) {
	svc, _ := newTestService()
	rated, err := svc.Create("g1", "white", "black", smallSettings(), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !rated.Rated {
		t.Fatalf("Rated = false, want true")
	}

	unrated, err := svc.Create("g2", "white", "black", smallSettings(), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if unrated.Rated {
		t.Fatalf("Rated = true, want false")
	}
}

// openingMoves plays the two opening placements (each player places
// the other's stone), leaving White to move on ply 2.
func openingMoves(t *testing.T, svc *Service, id store.GameId, white, black store.AccountId) {
	t.Helper()
	if err := svc.DoAction(context.Background(), id, white, engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err != nil {
		t.Fatalf("opening placement 1: %v", err)
	}
	if err := svc.DoAction(context.Background(), id, black, engine.PlaceAction(engine.Pos{X: 1, Y: 0}, engine.Flat)); err != nil {
		t.Fatalf("opening placement 2: %v", err)
	}
}

func TestDoActionEnforcesTurnOrderAndParticipancy(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	ctx := context.Background()

	if err := svc.DoAction(ctx, "g1", "black", engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err == nil {
		t.Fatalf("expected error when black moves out of turn")
	} else if e, ok := apperr.Of(err); !ok || e.Reason != apperr.ReasonNotYourTurn {
		t.Fatalf("got %v, want ReasonNotYourTurn", err)
	}

	if err := svc.DoAction(ctx, "g1", "stranger", engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err == nil {
		t.Fatalf("expected error for non-participant")
	} else if e, ok := apperr.Of(err); !ok || e.Reason != apperr.ReasonNotParticipant {
		t.Fatalf("got %v, want ReasonNotParticipant", err)
	}

	openingMoves(t, svc, "g1", "white", "black")

	status, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ToMove != engine.White {
		t.Fatalf("ToMove = %v, want White", status.ToMove)
	}
}

func TestResignEndsGameInOpponentsFavor(t *testing.T) {
	svc, st := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)

	var finishedResult string
	svc.OnFinish(func(ctx context.Context, e *Entry) {
		finishedResult = engine.EncodeResult(e.Game.State)
	})

	if err := svc.Resign(context.Background(), "g1", "white"); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if finishedResult != "0-1" {
		t.Fatalf("result = %q, want 0-1", finishedResult)
	}
	if _, err := svc.Status("g1"); err == nil {
		t.Fatalf("expected game to be removed from the ongoing map after resignation")
	}

	events, err := st.Games.ListEvents(context.Background(), "g1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected persisted events for resignation")
	}
}

func TestDrawRequestAcceptedEndsGameInDraw(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	reqID, err := svc.AddRequest("g1", "white", RequestDraw)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	// The requester may not accept their own request.
	if err := svc.AcceptRequest(context.Background(), "g1", "white", reqID, 0); err == nil {
		t.Fatalf("expected requester-accepting-own-request to fail")
	}

	if err := svc.AcceptRequest(context.Background(), "g1", "black", reqID, 0); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if _, err := svc.Status("g1"); err == nil {
		t.Fatalf("expected drawn game to be removed from the ongoing map")
	}
}

func TestDuplicateRequestOfSameKindRejected(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	if _, err := svc.AddRequest("g1", "white", RequestDraw); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if _, err := svc.AddRequest("g1", "white", RequestDraw); err == nil {
		t.Fatalf("expected duplicate draw request from the same player to be rejected")
	} else if e, ok := apperr.Of(err); !ok || e.Reason != apperr.ReasonDuplicateRequest {
		t.Fatalf("got %v, want ReasonDuplicateRequest", err)
	}
}

func TestUndoAcceptedReplaysHistoryMinusLastAction(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	// White places a second stone (ply 2), then asks to undo it.
	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 2, Y: 2}, engine.Flat)); err != nil {
		t.Fatalf("place: %v", err)
	}
	reqID, err := svc.AddRequest("g1", "white", RequestUndo)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := svc.AcceptRequest(context.Background(), "g1", "black", reqID, 0); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	status, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ToMove != engine.White {
		t.Fatalf("ToMove after undo = %v, want White (the undone placement's mover)", status.ToMove)
	}
}

// TestUndoOnEmptyHistoryIsRejected exercises the request system's law
// that undo has nothing to act on before any action has been played:
// accepting it must fail rather than silently doing nothing to the
// game, and the game must continue unaffected.
func TestUndoOnEmptyHistoryIsRejected(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)

	reqID, err := svc.AddRequest("g1", "white", RequestUndo)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := svc.AcceptRequest(context.Background(), "g1", "black", reqID, 0); err == nil {
		t.Fatalf("expected undo on empty history to be rejected")
	}

	status, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ToMove != engine.White {
		t.Fatalf("ToMove = %v, want White (game unaffected by rejected undo)", status.ToMove)
	}
}

func TestMoreTimeAcceptedCreditsRequesterClock(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	before, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	reqID, err := svc.AddRequest("g1", "white", RequestMoreTime)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	const bonus = 5 * time.Minute
	if err := svc.AcceptRequest(context.Background(), "g1", "black", reqID, bonus); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	after, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	delta := after.Remaining[engine.White] - before.Remaining[engine.White]
	if delta < bonus-time.Second || delta > bonus+time.Second {
		t.Fatalf("White's remaining time grew by %v, want ~%v", delta, bonus)
	}
}

func TestRetractAndRejectRequest(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	reqID, err := svc.AddRequest("g1", "white", RequestDraw)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := svc.RetractRequest("g1", "black", reqID); err == nil {
		t.Fatalf("expected retraction by a non-requester to fail")
	}
	if err := svc.RetractRequest("g1", "white", reqID); err != nil {
		t.Fatalf("RetractRequest: %v", err)
	}

	reqID2, err := svc.AddRequest("g1", "white", RequestDraw)
	if err != nil {
		t.Fatalf("AddRequest after retraction: %v", err)
	}
	if err := svc.RejectRequest("g1", "black", reqID2); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	if _, err := svc.Status("g1"); err != nil {
		t.Fatalf("game should still be ongoing after a rejected draw offer: %v", err)
	}
}

func TestActionClearsOutstandingRequests(t *testing.T) {
	svc, _ := newTestService()
	svc.Create("g1", "white", "black", smallSettings(), true)
	openingMoves(t, svc, "g1", "white", "black")

	if _, err := svc.AddRequest("g1", "black", RequestDraw); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 2, Y: 2}, engine.Flat)); err != nil {
		t.Fatalf("place: %v", err)
	}
	status, err := svc.Status("g1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Requests) != 0 {
		t.Fatalf("outstanding requests = %d, want 0 after a fresh action", len(status.Requests))
	}
}

func TestClockDoesNotTickBeforeFirstAction(t *testing.T) {
	svc, _ := newTestService()
	settings := smallSettings()
	settings.Time.Contingent = uint64(10 * time.Millisecond)
	settings.Time.Increment = 0
	svc.Create("g1", "white", "black", settings, true)

	// Well past the contingent, but no action has been made: the
	// clock is still paused and White's opening placement succeeds.
	time.Sleep(30 * time.Millisecond)
	svc.Sweep(context.Background())
	if _, err := svc.Status("g1"); err != nil {
		t.Fatalf("game should survive a sweep before the first action: %v", err)
	}
	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err != nil {
		t.Fatalf("a slow opening placement must not be charged: %v", err)
	}
}

func TestLazyTimeoutDetectedOnNextAction(t *testing.T) {
	svc, _ := newTestService()
	settings := smallSettings()
	settings.Time.Contingent = uint64(10 * time.Millisecond)
	settings.Time.Increment = 0
	svc.Create("g1", "white", "black", settings, true)

	// White's opening placement starts the clock; Black is then on
	// the move and runs out.
	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err != nil {
		t.Fatalf("opening placement: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	var result string
	svc.OnFinish(func(ctx context.Context, e *Entry) {
		result = engine.EncodeResult(e.Game.State)
	})
	// Black, to move, has timed out; any engine consult discovers
	// this lazily instead of proceeding with the move.
	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 1, Y: 1}, engine.Flat)); err != nil {
		t.Fatalf("DoAction: %v", err)
	}
	if result != "1-0" {
		t.Fatalf("result = %q, want 1-0 (White wins on Black's timeout)", result)
	}
}

func TestSweepDetectsTimeoutWithoutAnyFurtherAction(t *testing.T) {
	svc, _ := newTestService()
	settings := smallSettings()
	settings.Time.Contingent = uint64(10 * time.Millisecond)
	settings.Time.Increment = 0
	svc.Create("g1", "white", "black", settings, true)

	if err := svc.DoAction(context.Background(), "g1", "white", engine.PlaceAction(engine.Pos{X: 0, Y: 0}, engine.Flat)); err != nil {
		t.Fatalf("opening placement: %v", err)
	}

	var finished bool
	svc.OnFinish(func(ctx context.Context, e *Entry) { finished = true })

	time.Sleep(30 * time.Millisecond)
	svc.Sweep(context.Background())

	if !finished {
		t.Fatalf("expected Sweep to finish a timed-out game")
	}
	if _, err := svc.Status("g1"); err == nil {
		t.Fatalf("expected game removed from the ongoing map after sweep")
	}
}
