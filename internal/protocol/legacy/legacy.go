// Package legacy implements the line-oriented wire dialect: one
// command per line, "id cmd arg1 arg2 ..." framed exactly like
// go-kgp's proto.go. The parser (quote-aware field splitting, a
// leading numeric id, an optional "@ref" correlating a reply to an
// earlier outbound message) and the Interpret-style command switch
// are both adapted line-for-line from that file, generalized from
// Kalah's move/yield/ok/error vocabulary to Tak's seek/accept/place/
// move/resign/draw/undo/moretime/chat/observe vocabulary.
package legacy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tak-server/internal/apperr"
	"tak-server/internal/chat"
	"tak-server/internal/engine"
	"tak-server/internal/match"
	"tak-server/internal/notify"
	"tak-server/internal/ongoing"
	"tak-server/internal/protocol"
	"tak-server/internal/store"
)

// Dialect implements protocol.Dialect for the legacy line format.
type Dialect struct{}

func (Dialect) Greeting() string { return "tak 1" }

var lineRe = regexp.MustCompile(`^(\d+)(@(\d+))?\s+(\S+)(\s+(.*))?$`)

// parsedLine is one decoded inbound command.
type parsedLine struct {
	Id     int
	Ref    int
	Cmd    string
	Fields []string
}

// parse splits a raw line the way the teacher's parse() does: fields
// are whitespace-separated except inside double quotes, so a chat
// message argument may contain spaces.
func parse(raw string) (parsedLine, error) {
	m := lineRe.FindStringSubmatch(raw)
	if m == nil {
		return parsedLine{}, apperr.New(apperr.BadRequest, "malformed command line")
	}
	id, _ := strconv.Atoi(m[1])
	ref, _ := strconv.Atoi(m[3])
	fields, err := splitFields(m[6])
	if err != nil {
		return parsedLine{}, err
	}
	return parsedLine{Id: id, Ref: ref, Cmd: m[4], Fields: fields}, nil
}

func splitFields(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, apperr.New(apperr.BadRequest, "unterminated quote")
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

// Conn is a live legacy connection: a Session plus whatever function
// writes a fully-formed line to the network (installed by the
// listener that accepted the connection).
type Conn struct {
	Session *protocol.Session
	Write   func(line string)
	nextId  uint64
}

func (c *Conn) ok(replyTo int) {
	c.nextId++
	c.Write(fmt.Sprintf("%d@%d ok", c.nextId, replyTo))
}

func (c *Conn) errorf(replyTo int, format string, args ...interface{}) {
	c.nextId++
	c.Write(fmt.Sprintf("%d@%d error %q", c.nextId, replyTo, fmt.Sprintf(format, args...)))
}

func (c *Conn) send(format string, args ...interface{}) {
	c.nextId++
	c.Write(fmt.Sprintf("%d %s", c.nextId, fmt.Sprintf(format, args...)))
}

// PushNotify renders and writes one fabric message as an unsolicited
// line, used by the listener's writer goroutine to drain a session's
// outbound queue.
func (c *Conn) PushNotify(msg notify.ServerMessage) {
	if body := RenderNotify(msg); body != "" {
		c.send("%s", body)
	}
}

// HandleLine parses and dispatches one inbound line, grounded on the
// teacher's (cli *Client) Interpret switch.
func (c *Conn) HandleLine(ctx context.Context, raw string) {
	p, err := parse(raw)
	if err != nil {
		c.errorf(0, "%v", err)
		return
	}

	switch p.Cmd {
	case "login", "register", "guest", "reset_request", "reset_password":
	default:
		if !c.Session.Authenticated() {
			c.errorf(p.Id, "authenticate first")
			return
		}
	}

	switch p.Cmd {
	case "register":
		c.handleRegister(ctx, p)
	case "login":
		c.handleLogin(ctx, p)
	case "guest":
		c.handleGuest(ctx, p)
	case "reset_request":
		c.handleResetRequest(ctx, p)
	case "reset_password":
		c.handleResetPassword(ctx, p)
	case "seek":
		c.handleSeek(p)
	case "seeks":
		c.handleSeekList(p)
	case "cancel_seek":
		c.handleCancelSeek(p)
	case "accept":
		c.handleAccept(ctx, p)
	case "observe":
		c.handleObserve(p, true)
	case "unobserve":
		c.handleObserve(p, false)
	case "place", "move":
		c.handleAction(ctx, p)
	case "resign":
		c.handleResign(ctx, p)
	case "draw":
		c.handleRequest(p, requestDraw)
	case "undo":
		c.handleRequest(p, requestUndo)
	case "moretime":
		c.handleRequest(p, requestMoreTime)
	case "accept_request":
		c.handleAcceptRequest(ctx, p)
	case "retract_request":
		c.handleRequestById(p, c.Session.App.RetractRequest)
	case "reject_request":
		c.handleRequestById(p, c.Session.App.RejectRequest)
	case "rematch":
		c.handleRematch(ctx, p)
	case "chat":
		c.handleChat(ctx, p)
	case "chatroom":
		c.handleChatRoom(ctx, p)
	case "whisper":
		c.handleWhisper(ctx, p)
	case "join":
		c.handleRoom(p, true)
	case "leave":
		c.handleRoom(p, false)
	case "ban", "unban", "silence", "unsilence", "kick", "mod", "unmod", "admin", "unadmin":
		c.handleModeration(ctx, p)
	case "alert":
		c.handleAlert(ctx, p)
	default:
		c.errorf(p.Id, "unknown command %q", p.Cmd)
	}
}

func (c *Conn) handleRegister(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: register <name> <password>")
		return
	}
	email := ""
	if len(p.Fields) > 2 {
		email = p.Fields[2]
	}
	if _, err := c.Session.App.Register(ctx, p.Fields[0], p.Fields[1], email); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleLogin(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: login <name> <password>")
		return
	}
	var (
		acct store.AccountRecord
		err  error
	)
	if p.Fields[0] == "token" {
		acct, err = c.Session.App.AuthenticateToken(ctx, p.Fields[1])
	} else {
		acct, err = c.Session.App.Authenticate(ctx, p.Fields[0], p.Fields[1])
	}
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.Session.Account = acct.Id
	c.Session.App.BindListener(c.Session.Listener, acct.Id)
	c.ok(p.Id)
}

func (c *Conn) handleGuest(ctx context.Context, p parsedLine) {
	acct, err := c.Session.App.GuestLogin(ctx)
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.Session.Account = acct.Id
	c.Session.App.BindListener(c.Session.Listener, acct.Id)
	c.send("guest %s", acct.Name)
	c.ok(p.Id)
}

func (c *Conn) handleResetRequest(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: reset_request <name>")
		return
	}
	if err := c.Session.App.RequestPasswordReset(ctx, p.Fields[0]); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleResetPassword(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: reset_password <token> <new_password>")
		return
	}
	if err := c.Session.App.ResetPassword(ctx, p.Fields[0], p.Fields[1]); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleSeek(p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: seek <size> <contingent_seconds> [increment_seconds]")
		return
	}
	size, _ := strconv.Atoi(p.Fields[0])
	contingent, _ := strconv.Atoi(p.Fields[1])
	increment := 0
	if len(p.Fields) > 2 {
		increment, _ = strconv.Atoi(p.Fields[2])
	}
	settings := engine.GameSettings{
		BoardSize: uint8(size),
		Reserve:   defaultReserve(size),
		Time: engine.TimeSettings{
			Kind:       engine.Realtime,
			Contingent: uint64(contingent) * 1e9,
			Increment:  uint64(increment) * 1e9,
		},
	}
	seek, err := c.Session.App.Seek(c.Session.Account, settings, false)
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.send("seek_created %s", seek.Id)
	c.ok(p.Id)
}

func defaultReserve(boardSize int) engine.Reserve {
	switch {
	case boardSize <= 4:
		return engine.Reserve{Pieces: 15}
	case boardSize == 5:
		return engine.Reserve{Pieces: 21, Capstones: 1}
	case boardSize == 6:
		return engine.Reserve{Pieces: 30, Capstones: 1}
	case boardSize == 7:
		return engine.Reserve{Pieces: 40, Capstones: 2}
	default:
		return engine.Reserve{Pieces: 50, Capstones: 2}
	}
}

func (c *Conn) handleAccept(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: accept <seek_id>")
		return
	}
	gid, err := c.Session.App.AcceptSeek(ctx, c.Session.Account, match.SeekId(p.Fields[0]))
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.send("game_started %s", gid)
	c.ok(p.Id)
}

func (c *Conn) handleAction(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: place/move <game_id> <ptn>")
		return
	}
	action, err := engine.DecodeAction(p.Fields[1])
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	if err := c.Session.App.DoAction(ctx, store.GameId(p.Fields[0]), c.Session.Account, action); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleResign(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: resign <game_id>")
		return
	}
	if err := c.Session.App.Resign(ctx, store.GameId(p.Fields[0]), c.Session.Account); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

type requestKind int

const (
	requestDraw requestKind = iota
	requestUndo
	requestMoreTime
)

func (c *Conn) handleRequest(p parsedLine, kind requestKind) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: draw|undo|moretime <game_id>")
		return
	}
	gid := store.GameId(p.Fields[0])
	var (
		reqID uint64
		err   error
	)
	switch kind {
	case requestDraw:
		reqID, err = c.Session.App.OfferDraw(gid, c.Session.Account)
	case requestUndo:
		reqID, err = c.Session.App.RequestUndo(gid, c.Session.Account)
	case requestMoreTime:
		reqID, err = c.Session.App.RequestMoreTime(gid, c.Session.Account)
	}
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.send("request_created %d", reqID)
	c.ok(p.Id)
}

func (c *Conn) handleAcceptRequest(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: accept_request <game_id> <request_id>")
		return
	}
	gid := store.GameId(p.Fields[0])
	reqID, _ := strconv.ParseUint(p.Fields[1], 10, 64)

	// Spec §9: this dialect can create a more-time request (the
	// moretime command) but does not accept one — the domain operation exists (ongoing.AcceptRequest) but this wire
	// format refuses to reach it for a RequestMoreTime kind.
	if status, err := c.Session.App.Ongoing.Status(gid); err == nil {
		for _, r := range status.Requests {
			if r.Id == reqID && r.Kind == ongoing.RequestMoreTime {
				c.errorf(p.Id, "%v", apperr.New(apperr.NotPossible, "accepting more-time requests is not supported in this dialect"))
				return
			}
		}
	}
	if err := c.Session.App.AcceptRequest(ctx, gid, c.Session.Account, reqID); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleRematch(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: rematch <game_id>")
		return
	}
	gid, started, err := c.Session.App.Rematch(ctx, store.GameId(p.Fields[0]), c.Session.Account)
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	if started {
		c.send("game_started %s", gid)
	} else {
		c.send("rematch_pending")
	}
	c.ok(p.Id)
}

func (c *Conn) handleChat(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: chat <text>")
		return
	}
	text := strings.Join(p.Fields, " ")
	msg := chat.Message{Channel: chat.ChannelGlobal, From: c.Session.Account, Text: text}
	if err := c.Session.App.Chat.Send(ctx, c.Session.Listener, msg); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleSeekList(p parsedLine) {
	for _, seek := range c.Session.App.Match.ListSeeks() {
		line := fmt.Sprintf("seek %s %s %d %d %d", seek.Id, seek.Owner,
			seek.Settings.BoardSize, seek.Settings.Time.Contingent/1e9, seek.Settings.Time.Increment/1e9)
		if seek.Unrated {
			line += " unrated"
		}
		c.send("%s", line)
	}
	c.ok(p.Id)
}

func (c *Conn) handleCancelSeek(p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: cancel_seek <seek_id>")
		return
	}
	if err := c.Session.App.CancelSeek(c.Session.Account, match.SeekId(p.Fields[0])); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleObserve(p parsedLine, observe bool) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: observe|unobserve <game_id>")
		return
	}
	gid := store.GameId(p.Fields[0])
	if observe {
		if err := c.Session.App.ObserveGame(c.Session.Listener, gid); err != nil {
			c.errorf(p.Id, "%v", err)
			return
		}
	} else {
		c.Session.App.UnobserveGame(c.Session.Listener, gid)
	}
	c.ok(p.Id)
}

func (c *Conn) handleRequestById(p parsedLine, op func(store.GameId, store.AccountId, uint64) error) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: retract_request|reject_request <game_id> <request_id>")
		return
	}
	reqID, _ := strconv.ParseUint(p.Fields[1], 10, 64)
	if err := op(store.GameId(p.Fields[0]), c.Session.Account, reqID); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleChatRoom(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: chatroom <room> <text>")
		return
	}
	msg := chat.Message{
		Channel: chat.ChannelRoom,
		Room:    notify.ChatRoom(p.Fields[0]),
		From:    c.Session.Account,
		Text:    strings.Join(p.Fields[1:], " "),
	}
	if err := c.Session.App.Chat.Send(ctx, c.Session.Listener, msg); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleWhisper(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 2 {
		c.errorf(p.Id, "usage: whisper <name> <text>")
		return
	}
	target, err := c.Session.App.Store.Accounts.GetAccountByName(ctx, p.Fields[0])
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	msg := chat.Message{
		Channel: chat.ChannelPrivate,
		From:    c.Session.Account,
		To:      target.Id,
		Text:    strings.Join(p.Fields[1:], " "),
	}
	if err := c.Session.App.Chat.Send(ctx, c.Session.Listener, msg); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleRoom(p parsedLine, join bool) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: join|leave <room>")
		return
	}
	room := notify.ChatRoom(p.Fields[0])
	if join {
		c.Session.App.Registry.JoinRoom(c.Session.Listener, room)
	} else {
		c.Session.App.Registry.LeaveRoom(c.Session.Listener, room)
	}
	c.ok(p.Id)
}

// handleModeration resolves the target by name and routes to the
// matching use-case; the role policy itself lives behind those calls.
func (c *Conn) handleModeration(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: %s <name>", p.Cmd)
		return
	}
	target, err := c.Session.App.Store.Accounts.GetAccountByName(ctx, p.Fields[0])
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	actor := c.Session.Account
	switch p.Cmd {
	case "ban":
		msg := strings.Join(p.Fields[1:], " ")
		err = c.Session.App.Ban(ctx, actor, target.Id, msg)
	case "unban":
		err = c.Session.App.Unban(ctx, actor, target.Id)
	case "silence":
		err = c.Session.App.Silence(ctx, actor, target.Id)
	case "unsilence":
		err = c.Session.App.Unsilence(ctx, actor, target.Id)
	case "kick":
		err = c.Session.App.Kick(ctx, actor, target.Id)
	case "mod":
		err = c.Session.App.SetModerator(ctx, actor, target.Id)
	case "admin":
		err = c.Session.App.SetAdmin(ctx, actor, target.Id)
	case "unmod", "unadmin":
		err = c.Session.App.SetUser(ctx, actor, target.Id)
	}
	if err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}

func (c *Conn) handleAlert(ctx context.Context, p parsedLine) {
	if len(p.Fields) < 1 {
		c.errorf(p.Id, "usage: alert <text>")
		return
	}
	if err := c.Session.App.ServerAlert(ctx, c.Session.Account, strings.Join(p.Fields, " ")); err != nil {
		c.errorf(p.Id, "%v", err)
		return
	}
	c.ok(p.Id)
}
