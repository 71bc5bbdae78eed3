// Package listen owns the two network entry points: a raw TCP accept
// loop speaking the legacy line dialect, and a WebSocket upgrade
// handler speaking the JSON dialect. Grounded on go-kgp's proto.go
// (tc *TCPConf) init()/deinit() accept loop and ws.go's
// listenUpgrade, both generalized to dispatch into protocol.Session
// instead of the teacher's single hard-coded Client type.
package listen

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"tak-server/internal/app"
	"tak-server/internal/notify"
	"tak-server/internal/protocol"
	"tak-server/internal/protocol/jsonproto"
	"tak-server/internal/protocol/legacy"
)

// idleTimeout is spec §4.6's 5-minute inactivity disconnect: a
// connection that sends nothing for this long is dropped with
// ReasonInactivity, regardless of which dialect it is speaking.
const idleTimeout = 5 * time.Minute

// protocolSwitchRe recognizes a "protocol <id>" line in either
// dialect's raw framing: the legacy tokenizer prefixes every line
// with a numeric id, so a bare "protocol json" and a "7 protocol
// json" both switch dialect. Spec §4.6: "A protocol <id> line
// switches dialect."
var protocolSwitchRe = regexp.MustCompile(`^(?:\d+\s+)?protocol\s+(\S+)\s*$`)

// dialectName identifies one of the two wire dialects a connection
// may speak at a given moment.
type dialectName string

const (
	dialectLegacy dialectName = "legacy"
	dialectJSON   dialectName = "json"
)

// switcher holds both dialect adapters for one connection, sharing a
// single protocol.Session, and tracks which one is currently active.
// Only the connection's own read loop touches it, so no locking is
// needed.
type switcher struct {
	active  dialectName
	legacy  *legacy.Conn
	json    *jsonproto.Conn
	writeln func(line string)
}

func newSwitcher(session *protocol.Session, def dialectName, write func(line string)) *switcher {
	return &switcher{
		active:  def,
		legacy:  &legacy.Conn{Session: session, Write: write},
		json:    &jsonproto.Conn{Session: session, Write: write},
		writeln: write,
	}
}

// pushNotify frames one fabric message in whichever dialect the
// connection is speaking right now and writes it out. Called from the
// connection's writer goroutine (spec §5's notification pump).
func (sw *switcher) pushNotify(msg notify.ServerMessage) {
	switch sw.active {
	case dialectJSON:
		if frame := jsonproto.RenderNotify(msg); frame != "" {
			sw.writeln(frame)
		}
	default:
		sw.legacy.PushNotify(msg)
	}
}

// dispatch handles one inbound unit of text, intercepting a "protocol
// <id>" switch before handing anything else to the active dialect.
func (sw *switcher) dispatch(ctx context.Context, raw string) {
	if m := protocolSwitchRe.FindStringSubmatch(strings.TrimRight(raw, "\r\n")); m != nil {
		switch dialectName(strings.ToLower(m[1])) {
		case dialectLegacy:
			sw.active = dialectLegacy
			sw.writeln(legacy.Dialect{}.Greeting())
		case dialectJSON:
			sw.active = dialectJSON
			sw.writeln(jsonproto.Dialect{}.Greeting())
		default:
			sw.writeln(`{"ok":false,"error":"unknown protocol id"}`)
		}
		return
	}
	switch sw.active {
	case dialectJSON:
		sw.json.HandleFrame(ctx, []byte(raw))
	default:
		sw.legacy.HandleLine(ctx, raw)
	}
}

// TCP accepts connections on addr, defaulting to the legacy dialect,
// until ctx is done.
func TCP(ctx context.Context, a *app.Application, addr string, logger *log.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Printf("tcp listener on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Printf("accept: %v", err)
				continue
			}
		}
		go serveTCP(ctx, a, conn, logger)
	}
}

func serveTCP(ctx context.Context, a *app.Application, conn net.Conn, logger *log.Logger) {
	defer conn.Close()

	session := &protocol.Session{App: a}
	listener, queue := a.Connect("")
	session.Listener = listener

	write := func(line string) {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			logger.Printf("write: %v", err)
		}
	}
	sw := newSwitcher(session, dialectLegacy, write)
	write(legacy.Dialect{}.Greeting())

	reason := notify.ReasonClientClosed
	defer func() { a.Disconnect(listener, reason) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, ok := queue.Pop()
			if !ok {
				return
			}
			sw.pushNotify(msg)
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				reason = notify.ReasonInactivity
			}
			break
		}
		sw.dispatch(ctx, strings.TrimRight(line, "\r\n"))
	}
	<-done
}

// WebSocket upgrades an HTTP request to a connection defaulting to
// the JSON dialect, switchable to legacy via a "protocol legacy"
// text frame.
func WebSocket(a *app.Application, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Printf("websocket accept: %v", err)
			return
		}
		parent := r.Context()
		defer conn.Close(websocket.StatusInternalError, "closing")

		session := &protocol.Session{App: a}
		listener, queue := a.Connect("")
		session.Listener = listener

		write := func(frame string) {
			conn.Write(parent, websocket.MessageText, []byte(frame))
		}
		sw := newSwitcher(session, dialectJSON, write)
		write(jsonproto.Dialect{}.Greeting())

		reason := notify.ReasonClientClosed
		defer func() { a.Disconnect(listener, reason) }()

		go func() {
			for {
				msg, ok := queue.Pop()
				if !ok {
					return
				}
				sw.pushNotify(msg)
			}
		}()

		for {
			ctx, cancel := context.WithTimeout(parent, idleTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				if parent.Err() == nil && ctx.Err() == context.DeadlineExceeded {
					reason = notify.ReasonInactivity
					conn.Close(websocket.StatusPolicyViolation, "idle timeout")
				} else {
					conn.Close(websocket.StatusNormalClosure, "bye")
				}
				return
			}
			sw.dispatch(parent, string(data))
		}
	}
}
