package engine

import (
	"tak-server/internal/apperr"
)

// Game ties a Board, the two reserves, move history, and the
// repetition multiset together, and implements the single legality
// and execution pipeline every action passes through. Grounded on
// go-kgp's Play/Move functions in game.go, which mutate a shared
// Board behind one synchronous entry point per game.
type Game struct {
	Settings   GameSettings
	Board      *Board
	Reserves   [2]Reserve
	ToMove     Player
	Ply        int
	History    []Action
	hashCounts map[string]int
	State      GameState
}

// NewGame allocates a fresh game from validated settings.
func NewGame(settings GameSettings) (*Game, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, err, "invalid game settings")
	}
	g := &Game{
		Settings:   settings,
		Board:      NewBoard(int(settings.BoardSize)),
		Reserves:   [2]Reserve{settings.Reserve, settings.Reserve},
		ToMove:     White,
		hashCounts: make(map[string]int),
		State:      Ongoing(),
	}
	g.hashCounts[g.Board.Hash()] = 1
	return g, nil
}

func (g *Game) reserve(p Player) *Reserve { return &g.Reserves[p] }

// Do validates and applies action as the current mover and updates
// State with the result; it returns an error if the action is
// rejected. It is the sole entry point for mutating a Game; callers
// never touch Board directly.
func (g *Game) Do(action Action) error {
	if g.State.Status != StatusOngoing {
		return apperr.NotPossiblef(apperr.ReasonGameOver, "game is already over")
	}

	switch action.Kind {
	case ActionPlace:
		if err := g.legalPlace(action); err != nil {
			return err
		}
		g.applyPlace(action)
	case ActionMove:
		if g.Ply < 2 {
			return apperr.NotPossiblef(apperr.ReasonOpeningViolation, "first two plies must be placements")
		}
		if err := g.legalMove(action); err != nil {
			return err
		}
		g.applyMove(action)
	default:
		return apperr.New(apperr.BadRequest, "unknown action kind")
	}

	g.History = append(g.History, action)
	g.Ply++
	mover := g.ToMove
	g.ToMove = g.ToMove.Opponent()

	h := g.Board.Hash()
	g.hashCounts[h]++
	g.State = g.checkTermination(mover, h)
	return nil
}

func (g *Game) legalPlace(action Action) error {
	if !action.Pos.InBounds(g.Board.Size) {
		return apperr.NotPossiblef(apperr.ReasonOutOfBounds, "%v out of bounds", action.Pos)
	}
	if g.Board.Occupied(action.Pos) {
		return apperr.NotPossiblef(apperr.ReasonOutOfBounds, "%v already occupied", action.Pos)
	}

	owner := g.ToMove
	if g.Ply < 2 {
		if action.Variant != Flat {
			return apperr.NotPossiblef(apperr.ReasonOpeningViolation, "opening placement must be flat")
		}
		owner = g.ToMove.Opponent()
	}

	r := g.reserve(owner)
	switch action.Variant {
	case Capstone:
		if r.Capstones == 0 {
			return apperr.NotPossiblef(apperr.ReasonNoPiecesRemaining, "%s has no capstones left", owner)
		}
	default:
		if r.Pieces == 0 {
			return apperr.NotPossiblef(apperr.ReasonNoPiecesRemaining, "%s has no flat pieces left", owner)
		}
	}
	return nil
}

func (g *Game) applyPlace(action Action) {
	owner := g.ToMove
	if g.Ply < 2 {
		owner = g.ToMove.Opponent()
	}
	r := g.reserve(owner)
	if action.Variant == Capstone {
		r.Capstones--
	} else {
		r.Pieces--
	}
	*g.Board.At(action.Pos) = Stack{Variant: action.Variant, Composition: []Player{owner}}
}

func (g *Game) legalMove(action Action) error {
	size := g.Board.Size
	if !action.Pos.InBounds(size) {
		return apperr.NotPossiblef(apperr.ReasonOutOfBounds, "%v out of bounds", action.Pos)
	}
	source := g.Board.At(action.Pos)
	if source.Len() == 0 {
		return apperr.NotPossiblef(apperr.ReasonOutOfBounds, "%v is empty", action.Pos)
	}
	if source.Top() != g.ToMove {
		return apperr.NotPossiblef(apperr.ReasonNotYourTurn, "%v is not controlled by %s", action.Pos, g.ToMove)
	}
	if len(action.Drops) == 0 {
		return apperr.NotPossiblef(apperr.ReasonZeroDrop, "move carries no drops")
	}

	carryLimit := size
	carried := 0
	for _, d := range action.Drops {
		if d == 0 {
			return apperr.NotPossiblef(apperr.ReasonZeroDrop, "a drop of zero stones is not allowed")
		}
		carried += int(d)
	}
	if carried > carryLimit || carried > source.Len() {
		return apperr.NotPossiblef(apperr.ReasonOverCarry, "cannot carry %d stones (limit %d, stack %d)", carried, carryLimit, source.Len())
	}

	for i := range action.Drops {
		cell := action.Dir.Offset(action.Pos, i+1)
		if !cell.InBounds(size) {
			return apperr.NotPossiblef(apperr.ReasonOutOfBounds, "%v out of bounds", cell)
		}
		target := g.Board.At(cell)
		if target.Len() == 0 {
			continue
		}
		last := i == len(action.Drops)-1
		switch target.Variant {
		case Capstone:
			return apperr.NotPossiblef(apperr.ReasonBlockedByCapstone, "%v is topped by a capstone", cell)
		case Standing:
			if !last {
				return apperr.NotPossiblef(apperr.ReasonBlockedByStanding, "%v is topped by a standing stone", cell)
			}
			if source.Variant != Capstone || action.Drops[i] != 1 {
				return apperr.NotPossiblef(apperr.ReasonBlockedByStanding, "only a lone capstone may flatten %v", cell)
			}
		}
	}
	return nil
}

func (g *Game) applyMove(action Action) {
	source := g.Board.At(action.Pos)
	originalVariant := source.Variant

	carried := 0
	for _, d := range action.Drops {
		carried += int(d)
	}
	keep := source.Len() - carried
	moving := make([]Player, carried)
	copy(moving, source.Composition[keep:])

	if keep == 0 {
		*source = Stack{}
	} else {
		source.Composition = source.Composition[:keep]
		source.Variant = Flat
	}

	offset := 0
	for i, d := range action.Drops {
		cell := action.Dir.Offset(action.Pos, i+1)
		target := g.Board.At(cell)
		chunk := moving[offset : offset+int(d)]
		offset += int(d)

		target.Composition = append(target.Composition, chunk...)
		if i == len(action.Drops)-1 {
			target.Variant = originalVariant
		} else {
			target.Variant = Flat
		}
	}
}

// checkTermination implements spec §4.1's ordered termination check,
// run after mover's action and the clock/request layers have had a
// chance to time the game out first.
func (g *Game) checkTermination(mover Player, hash string) GameState {
	if g.Board.Road(mover) {
		return Win(mover, Road)
	}
	opponent := mover.Opponent()
	if g.Board.Road(opponent) {
		return Win(opponent, Road)
	}

	reservesExhausted := g.Reserves[White].Empty() || g.Reserves[Black].Empty()
	if reservesExhausted || g.Board.Full() {
		white, black := g.Board.FlatCounts()
		adjWhite, adjBlack := white*2, black*2+int(g.Settings.HalfKomi)
		switch {
		case adjWhite > adjBlack:
			return Win(White, Flats)
		case adjBlack > adjWhite:
			return Win(Black, Flats)
		default:
			return Draw()
		}
	}

	if g.hashCounts[hash] >= 3 {
		return Draw()
	}
	return Ongoing()
}
