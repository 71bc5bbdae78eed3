// Package mail is the outbound email port: ban notices and password
// reset links leave the server through it. The port is deliberately
// one method wide so tests can capture messages with a two-line
// double; the production implementation speaks SMTP directly via the
// standard library, since no repo in the reference corpus carries a
// mail library to ground a heavier choice on.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"tak-server/internal/conf"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP sends through the server configured in conf.EmailConf,
// authenticating with PLAIN when a user is set.
type SMTP struct {
	Conf conf.EmailConf
}

func (m SMTP) Send(_ context.Context, to, subject, body string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", m.Conf.From)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(body)

	addr := m.Conf.Host
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", m.Conf.Host, m.Conf.Port)
	}
	var auth smtp.Auth
	if m.Conf.User != "" {
		host := addr[:strings.IndexByte(addr, ':')]
		auth = smtp.PlainAuth("", m.Conf.User, m.Conf.Password, host)
	}
	return smtp.SendMail(addr, auth, m.Conf.From, []string{to}, []byte(sb.String()))
}

// Discard is the null Mailer, wired when no SMTP host is configured.
type Discard struct{}

func (Discard) Send(context.Context, string, string, string) error { return nil }
