package engine

import (
	"testing"
	"time"
)

func TestRealtimeTockAppliesIncrementAndBonusOnce(t *testing.T) {
	settings := TimeSettings{
		Kind:       Realtime,
		Contingent: uint64(10 * time.Minute),
		Increment:  uint64(5 * time.Second),
		Extra:      &Extra{MoveIndex: 2, Bonus: uint64(time.Minute)},
	}
	c := NewClock(settings)
	start := time.Unix(0, 0)
	c.Start(White, start)

	// White thinks 3s, then tocks at ply 1 — move index 1, bonus
	// threshold (move index 2) not reached.
	c.Tock(White, 1, start.Add(3*time.Second))
	want := 10*time.Minute - 3*time.Second + 5*time.Second
	if got := c.Remaining[White]; got != want {
		t.Fatalf("Remaining[White] = %v, want %v", got, want)
	}

	// Black tocks at ply 2 — still move index 1, no bonus yet.
	c.Tock(Black, 2, start.Add(3*time.Second))
	wantBlackNoBonus := 10*time.Minute + 5*time.Second
	if got := c.Remaining[Black]; got != wantBlackNoBonus {
		t.Fatalf("Remaining[Black] = %v, want %v", got, wantBlackNoBonus)
	}

	// White tocks at ply 3 — move index floor((3+1)/2)=2, bonus reached.
	c.Tock(White, 3, start.Add(3*time.Second))
	wantWhite := want + 5*time.Second + time.Minute
	if got := c.Remaining[White]; got != wantWhite {
		t.Fatalf("Remaining[White] = %v, want %v", got, wantWhite)
	}

	// Black tocks at ply 4 — move index floor((4+1)/2)=2, bonus reached.
	c.Tock(Black, 4, start.Add(3*time.Second))
	wantBlack := wantBlackNoBonus + 5*time.Second + time.Minute
	if got := c.Remaining[Black]; got != wantBlack {
		t.Fatalf("Remaining[Black] = %v, want %v", got, wantBlack)
	}

	// A later tock past the threshold must not re-award the bonus.
	c.Tock(White, 5, start.Add(3*time.Second))
	if got := c.Remaining[White]; got != wantWhite+5*time.Second {
		t.Fatalf("bonus awarded twice: Remaining[White] = %v", got)
	}
}

func TestAsyncTockGrantsFullContingent(t *testing.T) {
	settings := TimeSettings{Kind: Async, Contingent: uint64(time.Hour)}
	c := NewClock(settings)
	now := time.Unix(0, 0)
	c.Tock(White, 1, now.Add(30*time.Minute))
	if c.Remaining[White] != 2*time.Hour {
		t.Fatalf("Remaining[White] = %v, want 2h", c.Remaining[White])
	}
	if c.TimedOut(White, now.Add(100*time.Hour)) {
		t.Fatalf("an async clock must never time out")
	}
}

func TestClockIsPausedUntilFirstTock(t *testing.T) {
	settings := TimeSettings{Kind: Realtime, Contingent: uint64(time.Second), Increment: 0}
	c := NewClock(settings)
	start := time.Unix(0, 0)

	// Long past the contingent with no action made: nobody times out
	// and nothing has elapsed.
	if c.TimedOut(White, start.Add(time.Minute)) || c.TimedOut(Black, start.Add(time.Minute)) {
		t.Fatalf("a clock must not time anyone out before the first action")
	}
	if got := c.Snapshot(start.Add(time.Minute)); got[White] != time.Second || got[Black] != time.Second {
		t.Fatalf("Snapshot before the first action = %v, want both at full contingent", got)
	}

	// The first Tock charges the mover nothing and starts the
	// opponent's clock from that instant.
	c.Tock(White, 1, start.Add(time.Minute))
	if got := c.Remaining[White]; got != time.Second {
		t.Fatalf("Remaining[White] after the first Tock = %v, want the full contingent", got)
	}
	if !c.TimedOut(Black, start.Add(time.Minute+2*time.Second)) {
		t.Fatalf("Black's clock should run from the first Tock onward")
	}
}

func TestTimedOutIsLazy(t *testing.T) {
	settings := TimeSettings{Kind: Realtime, Contingent: uint64(time.Second), Increment: 0}
	c := NewClock(settings)
	start := time.Unix(0, 0)
	c.Start(White, start)

	if c.TimedOut(White, start.Add(500*time.Millisecond)) {
		t.Fatalf("should not be timed out yet")
	}
	if !c.TimedOut(White, start.Add(2*time.Second)) {
		t.Fatalf("should be timed out once remaining time has elapsed")
	}
}
