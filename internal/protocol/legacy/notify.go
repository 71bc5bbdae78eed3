package legacy

import (
	"encoding/json"
	"fmt"
	"strings"

	"tak-server/internal/chat"
	"tak-server/internal/notify"
)

// RenderNotify converts a fabric message into this dialect's
// unsolicited line body (the writer prefixes the outbound id). The
// vocabulary mirrors the command set: every server→client counterpart
// spec §6 requires has a line here.
func RenderNotify(msg notify.ServerMessage) string {
	switch m := msg.(type) {
	case notify.SeekCreated:
		line := fmt.Sprintf("seek_created %s %s %d %d %d", m.SeekId, m.Owner, m.BoardSize, m.Contingent, m.Increment)
		if m.Unrated {
			line += " unrated"
		}
		return line
	case notify.SeekCanceled:
		return fmt.Sprintf("seek_canceled %s", m.SeekId)
	case notify.GameStarted:
		return fmt.Sprintf("game_started %s %s %s", m.Game, m.White, m.Black)
	case notify.GameEnded:
		return fmt.Sprintf("game_ended %s", m.Game)
	case notify.GameOver:
		return fmt.Sprintf("game_over %s %s", m.Game, m.Result)
	case notify.GameAction:
		return fmt.Sprintf("game_action %s %s %s", m.Game, m.Player, m.Ptn)
	case notify.GameTimeUpdate:
		return fmt.Sprintf("game_time %s %d %d", m.Game, m.White.Milliseconds(), m.Black.Milliseconds())
	case notify.GameRequestAdded:
		return fmt.Sprintf("request_added %s %d %s %s", m.Game, m.RequestId, m.Kind, m.By)
	case notify.GameRequestRetracted:
		return fmt.Sprintf("request_retracted %s %d", m.Game, m.RequestId)
	case notify.GameRequestRejected:
		return fmt.Sprintf("request_rejected %s %d", m.Game, m.RequestId)
	case notify.GameRequestAccepted:
		return fmt.Sprintf("request_accepted %s %d", m.Game, m.RequestId)
	case notify.GameActionUndone:
		return fmt.Sprintf("game_undo %s", m.Game)
	case notify.PlayersOnline:
		names := make([]string, len(m.Accounts))
		for i, a := range m.Accounts {
			names[i] = string(a)
		}
		return fmt.Sprintf("online %d %s", len(names), strings.Join(names, " "))
	case notify.ServerAlert:
		return fmt.Sprintf("alert %q", m.Text)
	case notify.ConnectionClosed:
		return fmt.Sprintf("closed %s", m.Reason)
	case chat.Message:
		switch m.Channel {
		case chat.ChannelRoom:
			return fmt.Sprintf("chat room %s %s %q", m.Room, m.From, m.Text)
		case chat.ChannelPrivate:
			return fmt.Sprintf("chat private %s %q", m.From, m.Text)
		default:
			return fmt.Sprintf("chat global %s %q", m.From, m.Text)
		}
	default:
		// A message kind this dialect has no line for yet still
		// reaches the client in a recognizable envelope.
		body, err := json.Marshal(msg)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("notify %s", body)
	}
}
