package engine

import (
	"strings"
	"testing"
)

func TestActionRoundTrip(t *testing.T) {
	cases := []Action{
		PlaceAction(Pos{0, 0}, Flat),
		PlaceAction(Pos{2, 3}, Standing),
		PlaceAction(Pos{7, 7}, Capstone),
		MoveAction(Pos{3, 3}, Right, []uint32{1}),
		MoveAction(Pos{3, 3}, Up, []uint32{2, 1}),
		MoveAction(Pos{5, 2}, Left, []uint32{1, 1, 1}),
	}
	for _, a := range cases {
		enc := EncodeAction(a)
		got, err := DecodeAction(enc)
		if err != nil {
			t.Fatalf("DecodeAction(%q): %v", enc, err)
		}
		if got.Kind != a.Kind || got.Pos != a.Pos {
			t.Fatalf("round trip mismatch for %q: got %+v, want %+v", enc, got, a)
		}
		if a.Kind == ActionPlace && got.Variant != a.Variant {
			t.Fatalf("round trip variant mismatch for %q: got %v, want %v", enc, got.Variant, a.Variant)
		}
		if a.Kind == ActionMove {
			if got.Dir != a.Dir || len(got.Drops) != len(a.Drops) {
				t.Fatalf("round trip move mismatch for %q: got %+v, want %+v", enc, got, a)
			}
			for i := range a.Drops {
				if got.Drops[i] != a.Drops[i] {
					t.Fatalf("round trip drops mismatch for %q: got %v, want %v", enc, got.Drops, a.Drops)
				}
			}
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	cases := []GameState{
		Draw(),
		Win(White, Road),
		Win(Black, Road),
		Win(White, Flats),
		Win(Black, Flats),
		Win(White, Default),
		Win(Black, Default),
	}
	for _, s := range cases {
		tok := EncodeResult(s)
		got, err := DecodeResult(tok)
		if err != nil {
			t.Fatalf("DecodeResult(%q): %v", tok, err)
		}
		if got != s {
			t.Fatalf("result round trip mismatch for %q: got %+v, want %+v", tok, got, s)
		}
	}
}

func TestDecodeActionRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "z1", "a9", "a1+9", "Xa1"} {
		if _, err := DecodeAction(s); err == nil {
			t.Fatalf("DecodeAction(%q) should have failed", s)
		}
	}
}

func TestExportPTNRendersHeaderAndNumberedMovetext(t *testing.T) {
	tags := PTNTags{
		Site:     "tak-server",
		Date:     "2024.06.01",
		White:    "alice",
		Black:    "bob",
		Size:     5,
		HalfKomi: 5,
		Clock:    "300+5",
		Result:   "R-0",
	}
	out := ExportPTN(tags, []string{"a1", "e5", "b1", "d5", "c1"})

	for _, want := range []string{
		"[Player1 \"alice\"]",
		"[Player2 \"bob\"]",
		"[Size \"5\"]",
		"[Komi \"2.5\"]",
		"[Result \"R-0\"]",
		"1. a1 e5",
		"2. b1 d5",
		"3. c1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("export missing %q:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "R-0\n") {
		t.Fatalf("export should end with the result token:\n%s", out)
	}
}
