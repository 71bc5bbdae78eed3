package engine

import "time"

// Clock implements both of spec §4.1's time-control families.
// Realtime ticks only on the active player's turn and applies an
// increment plus a one-time move-index bonus; Async has no ticking
// notion at all and instead grants the full contingent back as an
// increment on every action. Grounded on go-kgp's timer.C select arm
// in game.go's Play loop, generalized from a single fixed-delay timer
// to a pair of per-player remaining-time counters.
type Clock struct {
	Settings  TimeSettings
	Remaining [2]time.Duration
	// running is the player whose Remaining is currently elapsing,
	// and since is when it started running. Async clocks never run.
	running    Player
	since      time.Time
	active     bool
	bonusGiven [2]bool
}

// NewClock returns a clock that is paused: nothing elapses until the
// first completed action Tocks it into motion (the opening placements
// do start the clock, but the interval before the very first action
// is never charged and cannot time anyone out).
func NewClock(settings TimeSettings) *Clock {
	d := time.Duration(settings.Contingent)
	return &Clock{
		Settings:  settings,
		Remaining: [2]time.Duration{d, d},
	}
}

// Start begins metering player's remaining time at now.
func (c *Clock) Start(player Player, now time.Time) {
	if c.Settings.Kind != Realtime {
		return
	}
	c.running = player
	c.since = now
	c.active = true
}

// settle folds elapsed wall time for the running player into
// Remaining, without stopping the clock.
func (c *Clock) settle(now time.Time) {
	if !c.active {
		return
	}
	elapsed := now.Sub(c.since)
	if elapsed > 0 {
		c.Remaining[c.running] -= elapsed
	}
	c.since = now
}

// Tock stops the mover's clock, applies their increment and any
// one-time move-index bonus, and starts the opponent's clock. ply is
// the 1-based ply count after the move that just completed. The first
// Tock on a paused clock charges the mover nothing and sets the clock
// ticking from now.
func (c *Clock) Tock(mover Player, ply int, now time.Time) {
	if c.Settings.Kind == Async {
		c.Remaining[mover] += time.Duration(c.Settings.Contingent)
		return
	}

	c.settle(now)
	c.Remaining[mover] += time.Duration(c.Settings.Increment)

	// spec §4.1: the move index is 1-based and counted as
	// floor((ply_index+1)/2) — two plies make one move.
	moveIndex := (ply + 1) / 2
	if e := c.Settings.Extra; e != nil && !c.bonusGiven[mover] && moveIndex >= int(e.MoveIndex) {
		c.Remaining[mover] += time.Duration(e.Bonus)
		c.bonusGiven[mover] = true
	}

	c.running = mover.Opponent()
	c.since = now
	c.active = true
}

// TimedOut reports whether player has exhausted their remaining time
// as of now. Async games never time out (spec §4.1 note): the
// contingent only ever grows.
func (c *Clock) TimedOut(player Player, now time.Time) bool {
	if c.Settings.Kind == Async {
		return false
	}
	remaining := c.Remaining[player]
	if c.active && c.running == player {
		remaining -= now.Sub(c.since)
	}
	return remaining <= 0
}

// Snapshot returns each player's remaining time as of now without
// mutating the clock, for status queries (lazy timeout detection:
// spec §4.1 "a timeout is only observed, never proactively pushed").
func (c *Clock) Snapshot(now time.Time) [2]time.Duration {
	out := c.Remaining
	if c.active {
		out[c.running] -= now.Sub(c.since)
	}
	return out
}
