// Package protocol defines the shared session type both wire
// dialects (legacy line-oriented and JSON) adapt the network to.
// Grounded on go-kgp's client.go Client struct, which holds the
// connection-scoped state (rwc, game, conf) that every command
// handler needs — generalized here into a transport-agnostic Session
// so the two concrete dialects in protocol/legacy and
// protocol/jsonproto share one notion of "the connection issuing this
// command" instead of each reimplementing it.
package protocol

import (
	"tak-server/internal/app"
	"tak-server/internal/notify"
	"tak-server/internal/store"
)

// Session is the connection-scoped state a dialect threads through
// every command it parses. Authentication happens per spec before
// any game command is accepted; Account is empty until then.
type Session struct {
	App      *app.Application
	Listener notify.ListenerId
	Account  store.AccountId
}

// Send enqueues msg on this session's outbound queue, to be drained
// by the connection's writer goroutine.
func (s *Session) Send(msg notify.ServerMessage) {
	s.App.Registry.Unicast(s.Listener, msg)
}

func (s *Session) Authenticated() bool { return s.Account != "" }

// Dialect is implemented by each concrete wire format. Its only method
// is Greeting; inbound dispatch lives on each dialect's own Conn type
// (legacy.Conn.HandleLine, jsonproto.Conn.HandleFrame).
type Dialect interface {
	// Greeting is written once, immediately after a connection opens.
	Greeting() string
}
