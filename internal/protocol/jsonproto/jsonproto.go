// Package jsonproto implements the JSON wire dialect: one JSON object
// per line (or per WebSocket text frame), decoded into the same
// use-case calls protocol/legacy reaches through its line parser.
// This is the dialect newer clients speak; the server still ships a
// concrete implementation so both wire formats exercise the same
// Session/Application core end-to-end.
package jsonproto

import (
	"context"
	"encoding/json"

	"tak-server/internal/apperr"
	"tak-server/internal/chat"
	"tak-server/internal/engine"
	"tak-server/internal/match"
	"tak-server/internal/notify"
	"tak-server/internal/protocol"
	"tak-server/internal/store"
)

type Dialect struct{}

func (Dialect) Greeting() string { return `{"type":"hello","version":1}` }

// Envelope is the JSON shape of every inbound command.
type Envelope struct {
	Id      int             `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type reply struct {
	ReplyTo int         `json:"reply_to"`
	Ok      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Conn struct {
	Session *protocol.Session
	Write   func(frame string)
}

func (c *Conn) ok(id int, data interface{}) {
	b, _ := json.Marshal(reply{ReplyTo: id, Ok: true, Data: data})
	c.Write(string(b))
}

func (c *Conn) fail(id int, err error) {
	b, _ := json.Marshal(reply{ReplyTo: id, Ok: false, Error: err.Error()})
	c.Write(string(b))
}

// HandleFrame decodes and dispatches one inbound JSON object.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.fail(0, apperr.Wrap(apperr.BadRequest, err, "invalid json"))
		return
	}

	switch env.Type {
	case "login", "register", "guest", "reset_request", "reset_password":
	default:
		if !c.Session.Authenticated() {
			c.fail(env.Id, apperr.New(apperr.Unauthorized, "authenticate first"))
			return
		}
	}

	switch env.Type {
	case "register":
		c.handleRegister(ctx, env)
	case "login":
		c.handleLogin(ctx, env)
	case "guest":
		c.handleGuest(ctx, env)
	case "reset_request":
		c.handleResetRequest(ctx, env)
	case "reset_password":
		c.handleResetPassword(ctx, env)
	case "seek":
		c.handleSeek(env)
	case "seek_list":
		c.handleSeekList(env)
	case "cancel_seek":
		c.handleCancelSeek(env)
	case "accept":
		c.handleAccept(ctx, env)
	case "observe":
		c.handleObserve(env, true)
	case "unobserve":
		c.handleObserve(env, false)
	case "action":
		c.handleAction(ctx, env)
	case "resign":
		c.handleResign(ctx, env)
	case "draw", "undo", "moretime":
		c.handleRequest(env)
	case "accept_request":
		c.handleAcceptRequest(ctx, env)
	case "retract_request":
		c.handleRequestById(env, c.Session.App.RetractRequest)
	case "reject_request":
		c.handleRequestById(env, c.Session.App.RejectRequest)
	case "rematch":
		c.handleRematch(ctx, env)
	case "chat":
		c.handleChat(ctx, env)
	case "join_room", "leave_room":
		c.handleRoom(env)
	case "moderate":
		c.handleModerate(ctx, env)
	case "alert":
		c.handleAlert(ctx, env)
	default:
		c.fail(env.Id, apperr.New(apperr.BadRequest, "unknown command type"))
	}
}

type registerPayload struct {
	Name, Password, Email string
}

func (c *Conn) handleRegister(ctx context.Context, env Envelope) {
	var p registerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if _, err := c.Session.App.Register(ctx, p.Name, p.Password, p.Email); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type loginPayload struct{ Name, Password, Token string }

// handleLogin authenticates by password or, when Token is set, by a
// previously issued session token. A successful password login also
// returns a fresh session token for later reconnects.
func (c *Conn) handleLogin(ctx context.Context, env Envelope) {
	var p loginPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	var (
		acct store.AccountRecord
		err  error
	)
	if p.Token != "" {
		acct, err = c.Session.App.AuthenticateToken(ctx, p.Token)
	} else {
		acct, err = c.Session.App.Authenticate(ctx, p.Name, p.Password)
	}
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.Session.Account = acct.Id
	c.Session.App.BindListener(c.Session.Listener, acct.Id)
	data := map[string]string{"account": string(acct.Id), "name": acct.Name}
	if token, err := c.Session.App.SessionToken(acct.Id); err == nil {
		data["token"] = token
	}
	c.ok(env.Id, data)
}

func (c *Conn) handleGuest(ctx context.Context, env Envelope) {
	acct, err := c.Session.App.GuestLogin(ctx)
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.Session.Account = acct.Id
	c.Session.App.BindListener(c.Session.Listener, acct.Id)
	c.ok(env.Id, map[string]string{"account": string(acct.Id), "name": acct.Name})
}

type resetRequestPayload struct{ Name string }

func (c *Conn) handleResetRequest(ctx context.Context, env Envelope) {
	var p resetRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.RequestPasswordReset(ctx, p.Name); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type resetPasswordPayload struct{ Token, Password string }

func (c *Conn) handleResetPassword(ctx context.Context, env Envelope) {
	var p resetPasswordPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.ResetPassword(ctx, p.Token, p.Password); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type seekPayload struct {
	BoardSize  uint8
	Contingent uint64 // seconds
	Increment  uint64 // seconds
	Unrated    bool
}

func (c *Conn) handleSeek(env Envelope) {
	var p seekPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	settings := engine.GameSettings{
		BoardSize: p.BoardSize,
		Reserve:   defaultReserve(p.BoardSize),
		Time: engine.TimeSettings{
			Kind:       engine.Realtime,
			Contingent: p.Contingent * 1e9,
			Increment:  p.Increment * 1e9,
		},
	}
	seek, err := c.Session.App.Seek(c.Session.Account, settings, p.Unrated)
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, map[string]string{"seek_id": string(seek.Id)})
}

func defaultReserve(boardSize uint8) engine.Reserve {
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

type seekIdPayload struct{ SeekId string }

func (c *Conn) handleAccept(ctx context.Context, env Envelope) {
	var p seekIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	gid, err := c.Session.App.AcceptSeek(ctx, c.Session.Account, match.SeekId(p.SeekId))
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, map[string]string{"game_id": string(gid)})
}

type actionPayload struct {
	GameId string
	Ptn    string
}

func (c *Conn) handleAction(ctx context.Context, env Envelope) {
	var p actionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	action, err := engine.DecodeAction(p.Ptn)
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	if err := c.Session.App.DoAction(ctx, store.GameId(p.GameId), c.Session.Account, action); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type gameIdPayload struct{ GameId string }

func (c *Conn) handleResign(ctx context.Context, env Envelope) {
	var p gameIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.Resign(ctx, store.GameId(p.GameId), c.Session.Account); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

func (c *Conn) handleRequest(env Envelope) {
	var p gameIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	gid := store.GameId(p.GameId)
	var (
		reqID uint64
		err   error
	)
	switch env.Type {
	case "draw":
		reqID, err = c.Session.App.OfferDraw(gid, c.Session.Account)
	case "undo":
		reqID, err = c.Session.App.RequestUndo(gid, c.Session.Account)
	case "moretime":
		reqID, err = c.Session.App.RequestMoreTime(gid, c.Session.Account)
	}
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, map[string]uint64{"request_id": reqID})
}

type acceptRequestPayload struct {
	GameId    string
	RequestId uint64
}

// handleAcceptRequest accepts any pending request, including a
// RequestMoreTime one. Spec §9 withholds moretime acceptance only in
// the legacy dialect; this dialect was built to carry it, so it
// reaches ongoing.AcceptRequest unfiltered.
func (c *Conn) handleAcceptRequest(ctx context.Context, env Envelope) {
	var p acceptRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.AcceptRequest(ctx, store.GameId(p.GameId), c.Session.Account, p.RequestId); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

func (c *Conn) handleRematch(ctx context.Context, env Envelope) {
	var p gameIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	gid, started, err := c.Session.App.Rematch(ctx, store.GameId(p.GameId), c.Session.Account)
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, map[string]interface{}{"started": started, "game_id": string(gid)})
}

type chatPayload struct {
	Channel string
	Room    string
	To      string
	Text    string
}

func (c *Conn) handleChat(ctx context.Context, env Envelope) {
	var p chatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	msg := chat.Message{From: c.Session.Account, Text: p.Text}
	switch p.Channel {
	case "room":
		msg.Channel = chat.ChannelRoom
		msg.Room = notify.ChatRoom(p.Room)
	case "private":
		msg.Channel = chat.ChannelPrivate
		msg.To = store.AccountId(p.To)
	default:
		msg.Channel = chat.ChannelGlobal
	}
	if err := c.Session.App.Chat.Send(ctx, c.Session.Listener, msg); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type seekSummary struct {
	SeekId     string `json:"seek_id"`
	Owner      string `json:"owner"`
	BoardSize  uint8  `json:"board_size"`
	Contingent uint64 `json:"contingent"`
	Increment  uint64 `json:"increment"`
	Unrated    bool   `json:"unrated,omitempty"`
}

func (c *Conn) handleSeekList(env Envelope) {
	seeks := c.Session.App.Match.ListSeeks()
	out := make([]seekSummary, len(seeks))
	for i, s := range seeks {
		out[i] = seekSummary{
			SeekId:     string(s.Id),
			Owner:      string(s.Owner),
			BoardSize:  s.Settings.BoardSize,
			Contingent: s.Settings.Time.Contingent / 1e9,
			Increment:  s.Settings.Time.Increment / 1e9,
			Unrated:    s.Unrated,
		}
	}
	c.ok(env.Id, out)
}

func (c *Conn) handleCancelSeek(env Envelope) {
	var p seekIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.CancelSeek(c.Session.Account, match.SeekId(p.SeekId)); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

func (c *Conn) handleObserve(env Envelope, observe bool) {
	var p gameIdPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	gid := store.GameId(p.GameId)
	if observe {
		if err := c.Session.App.ObserveGame(c.Session.Listener, gid); err != nil {
			c.fail(env.Id, err)
			return
		}
	} else {
		c.Session.App.UnobserveGame(c.Session.Listener, gid)
	}
	c.ok(env.Id, nil)
}

func (c *Conn) handleRequestById(env Envelope, op func(store.GameId, store.AccountId, uint64) error) {
	var p acceptRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := op(store.GameId(p.GameId), c.Session.Account, p.RequestId); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type roomPayload struct{ Room string }

func (c *Conn) handleRoom(env Envelope) {
	var p roomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	room := notify.ChatRoom(p.Room)
	if env.Type == "join_room" {
		c.Session.App.Registry.JoinRoom(c.Session.Listener, room)
	} else {
		c.Session.App.Registry.LeaveRoom(c.Session.Listener, room)
	}
	c.ok(env.Id, nil)
}

type moderatePayload struct {
	Action string
	Target string
	Msg    string
}

func (c *Conn) handleModerate(ctx context.Context, env Envelope) {
	var p moderatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	target, err := c.Session.App.Store.Accounts.GetAccountByName(ctx, p.Target)
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	actor := c.Session.Account
	switch p.Action {
	case "ban":
		err = c.Session.App.Ban(ctx, actor, target.Id, p.Msg)
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
	default:
		err = apperr.New(apperr.BadRequest, "unknown moderation action")
	}
	if err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}

type alertPayload struct{ Text string }

func (c *Conn) handleAlert(ctx context.Context, env Envelope) {
	var p alertPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.fail(env.Id, apperr.Wrap(apperr.BadRequest, err, "decoding payload"))
		return
	}
	if err := c.Session.App.ServerAlert(ctx, c.Session.Account, p.Text); err != nil {
		c.fail(env.Id, err)
		return
	}
	c.ok(env.Id, nil)
}
