// Package chat implements the server's three chat channels — Global,
// per-room, and private whisper — routed through a content filter
// port before delivery. Grounded on go-kgp's proto.go Interpret
// switch, which already special-cases "set"/comment-bearing messages
// per client; generalized here into its own small service so protocol
// adapters never touch notify.Registry directly.
package chat

import (
	"context"
	"strings"
	"time"

	"tak-server/internal/apperr"
	"tak-server/internal/notify"
	"tak-server/internal/store"
)

type ChannelKind uint8

const (
	ChannelGlobal ChannelKind = iota
	ChannelRoom
	ChannelPrivate
)

// Filter is the content-moderation port; the production binary wires
// a concrete word-list implementation, tests wire a pass-through.
type Filter interface {
	Clean(ctx context.Context, text string) (string, error)
}

// WordListFilter is a simple, self-contained Filter implementation:
// it masks any of a configured set of blocked words. Grounded on the
// teacher's preference for small, dependency-free helpers for
// concerns the example corpus has no dedicated library for (no
// examples repo imports a profanity-filtering library).
type WordListFilter struct {
	Blocked []string
}

func (f WordListFilter) Clean(_ context.Context, text string) (string, error) {
	out := text
	for _, w := range f.Blocked {
		if w == "" {
			continue
		}
		mask := strings.Repeat("*", len(w))
		out = replaceFold(out, w, mask)
	}
	return out, nil
}

func replaceFold(s, old, new string) string {
	lower := strings.ToLower(s)
	lowerOld := strings.ToLower(old)
	var b strings.Builder
	for {
		idx := strings.Index(lower, lowerOld)
		if idx < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:idx])
		b.WriteString(new)
		s = s[idx+len(old):]
		lower = lower[idx+len(old):]
	}
}

// Message is one delivered chat line.
type Message struct {
	Channel ChannelKind
	Room    notify.ChatRoom
	From    store.AccountId
	To      store.AccountId // ChannelPrivate only
	Text    string
	At      time.Time
}

type Service struct {
	registry *notify.Registry
	accounts store.AccountStore
	filter   Filter
}

func NewService(registry *notify.Registry, accounts store.AccountStore, filter Filter) *Service {
	return &Service{registry: registry, accounts: accounts, filter: filter}
}

// Send filters and routes a chat message. A silenced sender's message
// is delivered back to them alone — the self-echo spec names — so
// their client shows the message as sent, while no one else receives it.
func (s *Service) Send(ctx context.Context, senderListener notify.ListenerId, msg Message) error {
	acct, err := s.accounts.GetAccount(ctx, msg.From)
	if err != nil {
		return err
	}
	clean, err := s.filter.Clean(ctx, msg.Text)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "filtering chat message")
	}
	msg.Text = clean
	msg.At = time.Now()

	if acct.Silenced {
		s.registry.Unicast(senderListener, msg)
		return nil
	}

	switch msg.Channel {
	case ChannelGlobal:
		s.registry.Broadcast(msg)
	case ChannelRoom:
		s.registry.MulticastRoom(msg.Room, msg)
	case ChannelPrivate:
		s.registry.Unicast(senderListener, msg)
		if toListener, ok := s.registry.ListenerOf(notify.AccountId(msg.To)); ok {
			s.registry.Unicast(toListener, msg)
		}
	default:
		return apperr.New(apperr.BadRequest, "unknown chat channel")
	}
	return nil
}
