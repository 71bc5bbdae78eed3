package engine

import (
	"fmt"
	"strconv"
	"strings"

	"tak-server/internal/apperr"
)

// EncodeAction renders action in Portable Tak Notation.
func EncodeAction(a Action) string {
	switch a.Kind {
	case ActionPlace:
		var prefix string
		switch a.Variant {
		case Standing:
			prefix = "S"
		case Capstone:
			prefix = "C"
		}
		return prefix + encodePos(a.Pos)
	case ActionMove:
		var sb strings.Builder
		total := uint32(0)
		for _, d := range a.Drops {
			total += d
		}
		if total > 1 {
			sb.WriteString(strconv.Itoa(int(total)))
		}
		sb.WriteString(encodePos(a.Pos))
		sb.WriteString(a.Dir.String())
		if len(a.Drops) > 1 {
			for _, d := range a.Drops {
				sb.WriteString(strconv.Itoa(int(d)))
			}
		}
		return sb.String()
	default:
		panic("unknown action kind")
	}
}

func encodePos(p Pos) string {
	return fmt.Sprintf("%c%d", 'a'+p.X, p.Y+1)
}

func decodePos(s string) (Pos, string, error) {
	if len(s) < 2 {
		return Pos{}, "", apperr.New(apperr.BadRequest, "truncated square in ptn")
	}
	file := s[0]
	if file < 'a' || file > 'h' {
		return Pos{}, "", apperr.New(apperr.BadRequest, "invalid file in ptn")
	}
	rest := s[1:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return Pos{}, "", apperr.New(apperr.BadRequest, "invalid rank in ptn")
	}
	rank, err := strconv.Atoi(rest[:i])
	if err != nil || rank < 1 || rank > 8 {
		return Pos{}, "", apperr.New(apperr.BadRequest, "invalid rank in ptn")
	}
	return Pos{X: int(file - 'a'), Y: rank - 1}, rest[i:], nil
}

// DecodeAction parses Portable Tak Notation back into an Action. It
// satisfies the round-trip property DecodeAction(EncodeAction(a)) ==
// a for every a produced by this package.
func DecodeAction(s string) (Action, error) {
	if s == "" {
		return Action{}, apperr.New(apperr.BadRequest, "empty ptn action")
	}

	if s[0] == 'S' || s[0] == 'C' {
		variant := Standing
		if s[0] == 'C' {
			variant = Capstone
		}
		pos, rest, err := decodePos(s[1:])
		if err != nil {
			return Action{}, err
		}
		if rest != "" {
			return Action{}, apperr.New(apperr.BadRequest, "trailing characters after placement")
		}
		return PlaceAction(pos, variant), nil
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	total := 1
	if i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return Action{}, apperr.New(apperr.BadRequest, "invalid count in ptn")
		}
		total = n
	}

	if i >= len(s) || s[i] < 'a' || s[i] > 'h' {
		pos, rest, err := decodePos(s)
		if err != nil {
			return Action{}, err
		}
		if rest != "" {
			return Action{}, apperr.New(apperr.BadRequest, "trailing characters after placement")
		}
		return PlaceAction(pos, Flat), nil
	}

	pos, rest, err := decodePos(s[i:])
	if err != nil {
		return Action{}, err
	}
	if rest == "" {
		if i == 0 {
			return PlaceAction(pos, Flat), nil
		}
		return Action{}, apperr.New(apperr.BadRequest, "move missing direction")
	}

	var dir Dir
	switch rest[0] {
	case '+':
		dir = Up
	case '-':
		dir = Down
	case '<':
		dir = Left
	case '>':
		dir = Right
	default:
		return Action{}, apperr.New(apperr.BadRequest, "invalid direction in ptn")
	}
	rest = rest[1:]

	var drops []uint32
	if rest == "" {
		drops = []uint32{uint32(total)}
	} else {
		drops = make([]uint32, 0, len(rest))
		for _, c := range rest {
			if c < '0' || c > '9' {
				return Action{}, apperr.New(apperr.BadRequest, "invalid drop digit in ptn")
			}
			drops = append(drops, uint32(c-'0'))
		}
	}
	sum := 0
	for _, d := range drops {
		sum += int(d)
	}
	if sum != total {
		return Action{}, apperr.New(apperr.BadRequest, "drops do not add up to the carried count")
	}
	return MoveAction(pos, dir, drops), nil
}

// PTNTags are the header fields of a full PTN export.
type PTNTags struct {
	Site     string
	Date     string // yyyy.mm.dd
	White    string
	Black    string
	Size     uint8
	HalfKomi uint32
	Clock    string
	Result   string // PTN result token; "*" if still ongoing
}

// ExportPTN renders a complete PTN document: a tag header followed by
// numbered movetext, two plies per move, ending with the result token.
func ExportPTN(tags PTNTags, actions []string) string {
	var sb strings.Builder
	writeTag := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "[%s %q]\n", name, value)
		}
	}
	writeTag("Site", tags.Site)
	writeTag("Date", tags.Date)
	writeTag("Player1", tags.White)
	writeTag("Player2", tags.Black)
	writeTag("Size", strconv.Itoa(int(tags.Size)))
	if tags.HalfKomi > 0 {
		komi := strconv.Itoa(int(tags.HalfKomi / 2))
		if tags.HalfKomi%2 == 1 {
			komi += ".5"
		}
		writeTag("Komi", komi)
	}
	writeTag("Clock", tags.Clock)
	result := tags.Result
	if result == "" {
		result = "*"
	}
	writeTag("Result", result)
	sb.WriteByte('\n')

	for i := 0; i < len(actions); i += 2 {
		fmt.Fprintf(&sb, "%d. %s", i/2+1, actions[i])
		if i+1 < len(actions) {
			sb.WriteByte(' ')
			sb.WriteString(actions[i+1])
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(result)
	sb.WriteByte('\n')
	return sb.String()
}

// EncodeResult renders a terminal GameState as a PTN result token.
func EncodeResult(s GameState) string {
	switch s.Status {
	case StatusDraw:
		return "1/2-1/2"
	case StatusWin:
		switch s.Reason {
		case Road:
			if s.Winner == White {
				return "R-0"
			}
			return "0-R"
		case Flats:
			if s.Winner == White {
				return "F-0"
			}
			return "0-F"
		default:
			if s.Winner == White {
				return "1-0"
			}
			return "0-1"
		}
	default:
		return "*"
	}
}

// DecodeResult parses a PTN result token back into a GameState. The
// Default-reason tokens ("1-0", "0-1") are used by higher layers for
// resignation and timeout outcomes, which the engine itself never
// produces directly.
func DecodeResult(tok string) (GameState, error) {
	switch tok {
	case "1/2-1/2":
		return Draw(), nil
	case "R-0":
		return Win(White, Road), nil
	case "0-R":
		return Win(Black, Road), nil
	case "F-0":
		return Win(White, Flats), nil
	case "0-F":
		return Win(Black, Flats), nil
	case "1-0":
		return Win(White, Default), nil
	case "0-1":
		return Win(Black, Default), nil
	case "*":
		return Ongoing(), nil
	default:
		return GameState{}, apperr.New(apperr.BadRequest, "unrecognised ptn result token")
	}
}
