package jsonproto

import (
	"encoding/json"

	"tak-server/internal/chat"
	"tak-server/internal/notify"
)

type push struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RenderNotify frames one fabric message as this dialect's outbound
// JSON envelope. Unknown kinds still go out, under a generic type, so
// adding a message never silently drops it from one dialect.
func RenderNotify(msg notify.ServerMessage) string {
	var kind string
	switch m := msg.(type) {
	case notify.SeekCreated:
		kind = "seek_created"
	case notify.SeekCanceled:
		kind = "seek_canceled"
	case notify.GameStarted:
		kind = "game_started"
	case notify.GameEnded:
		kind = "game_ended"
	case notify.GameOver:
		kind = "game_over"
	case notify.GameAction:
		kind = "game_action"
	case notify.GameTimeUpdate:
		kind = "game_time"
	case notify.GameRequestAdded:
		kind = "request_added"
	case notify.GameRequestRetracted:
		kind = "request_retracted"
	case notify.GameRequestRejected:
		kind = "request_rejected"
	case notify.GameRequestAccepted:
		kind = "request_accepted"
	case notify.GameActionUndone:
		kind = "game_undo"
	case notify.PlayersOnline:
		kind = "online"
	case notify.ServerAlert:
		kind = "alert"
	case notify.ConnectionClosed:
		kind = "closed"
	case chat.Message:
		kind = "chat"
		msg = chatPayloadOut{
			Channel: channelName(m.Channel),
			Room:    string(m.Room),
			From:    string(m.From),
			Text:    m.Text,
		}
	default:
		kind = "notify"
	}
	body, err := json.Marshal(push{Type: kind, Payload: msg})
	if err != nil {
		return ""
	}
	return string(body)
}

type chatPayloadOut struct {
	Channel string `json:"channel"`
	Room    string `json:"room,omitempty"`
	From    string `json:"from"`
	Text    string `json:"text"`
}

func channelName(c chat.ChannelKind) string {
	switch c {
	case chat.ChannelRoom:
		return "room"
	case chat.ChannelPrivate:
		return "private"
	default:
		return "global"
	}
}
