package legacy

import (
	"context"
	"strings"
	"testing"
	"time"

	"tak-server/internal/app"
	"tak-server/internal/chat"
	"tak-server/internal/conf"
	"tak-server/internal/mail"
	"tak-server/internal/notify"
	"tak-server/internal/protocol"
	"tak-server/internal/store/memory"
)

// testConn builds a live Conn over a fresh in-memory Application,
// capturing every outbound line.
func testConn(t *testing.T) (*Conn, *[]string) {
	t.Helper()
	c := conf.Default()
	c.Auth.JWTSecret = "test-secret"
	a := app.New(c, memory.NewStore(), chat.WordListFilter{}, mail.Discard{})

	session := &protocol.Session{App: a}
	listener, _ := a.Connect("")
	session.Listener = listener

	var lines []string
	conn := &Conn{Session: session, Write: func(line string) { lines = append(lines, line) }}
	return conn, &lines
}

func lastLine(lines *[]string) string {
	if len(*lines) == 0 {
		return ""
	}
	return (*lines)[len(*lines)-1]
}

func TestParseSplitsQuotedFields(t *testing.T) {
	p, err := parse(`7 chat "hello there" world`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Id != 7 || p.Cmd != "chat" {
		t.Fatalf("got %+v", p)
	}
	if len(p.Fields) != 2 || p.Fields[0] != "hello there" || p.Fields[1] != "world" {
		t.Fatalf("quoted fields mishandled: %+v", p.Fields)
	}
}

func TestCommandsRequireAuthentication(t *testing.T) {
	conn, lines := testConn(t)
	conn.HandleLine(context.Background(), "1 seek 5 300")
	if !strings.Contains(lastLine(lines), "authenticate first") {
		t.Fatalf("unauthenticated seek should be refused, got %q", lastLine(lines))
	}
}

func TestRegisterLoginSeekFlow(t *testing.T) {
	conn, lines := testConn(t)
	ctx := context.Background()

	conn.HandleLine(ctx, "1 register alice secret")
	if !strings.Contains(lastLine(lines), "ok") {
		t.Fatalf("register should reply ok, got %q", lastLine(lines))
	}
	conn.HandleLine(ctx, "2 login alice secret")
	if !strings.Contains(lastLine(lines), "ok") {
		t.Fatalf("login should reply ok, got %q", lastLine(lines))
	}
	conn.HandleLine(ctx, "3 seek 5 300 5")
	joined := strings.Join(*lines, "\n")
	if !strings.Contains(joined, "seek_created") {
		t.Fatalf("seek should announce seek_created, got:\n%s", joined)
	}
}

func TestGuestLoginAssignsName(t *testing.T) {
	conn, lines := testConn(t)
	conn.HandleLine(context.Background(), "1 guest")
	joined := strings.Join(*lines, "\n")
	if !strings.Contains(joined, "guest Guest") {
		t.Fatalf("guest login should announce the assigned name, got:\n%s", joined)
	}
	if !conn.Session.Authenticated() {
		t.Fatalf("guest login should authenticate the session")
	}
}

func TestRenderNotifyCoversTheMessageSet(t *testing.T) {
	cases := []struct {
		msg  notify.ServerMessage
		want string
	}{
		{notify.SeekCreated{SeekId: "s1", Owner: "a", BoardSize: 5, Contingent: 300}, "seek_created s1 a 5 300 0"},
		{notify.SeekCanceled{SeekId: "s1"}, "seek_canceled s1"},
		{notify.GameStarted{Game: "g1", White: "a", Black: "b"}, "game_started g1 a b"},
		{notify.GameOver{Game: "g1", Result: "R-0"}, "game_over g1 R-0"},
		{notify.GameAction{Game: "g1", Player: "a", Ptn: "a1"}, "game_action g1 a a1"},
		{notify.GameTimeUpdate{Game: "g1", White: 2 * time.Second, Black: time.Second}, "game_time g1 2000 1000"},
		{notify.GameRequestAdded{Game: "g1", RequestId: 3, Kind: "draw", By: "a"}, "request_added g1 3 draw a"},
		{notify.GameActionUndone{Game: "g1"}, "game_undo g1"},
		{notify.ConnectionClosed{Reason: notify.ReasonInactivity}, "closed inactivity"},
	}
	for _, c := range cases {
		if got := RenderNotify(c.msg); got != c.want {
			t.Errorf("RenderNotify(%#v) = %q, want %q", c.msg, got, c.want)
		}
	}
}
