// Package notify delivers operator mails.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
)

// Mailer sends a notification.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends plain text mails through an SMTP relay.
type SMTPMailer struct {
	host          string
	port          int
	from          string
	to            []string
	subjectPrefix string
	auth          smtp.Auth
	useTLS        bool
	send          SendFunc
}

// New returns an SMTP mailer when notify/smtp is configured, otherwise a
// mailer that only logs.
func New(cfg *config.Config) Mailer {
	host := cfg.String("notify/smtp", "")
	to := cfg.List("notify/to", nil)
	if host == "" || len(to) == 0 {
		return LogMailer{}
	}

	m := &SMTPMailer{
		host:          host,
		port:          cfg.Int("notify/smtp-port", 25),
		from:          cfg.String("notify/from", "pcw@"+host),
		to:            to,
		subjectPrefix: cfg.String("notify/subject", "[Openqa-Cloud-Watch]"),
		useTLS:        cfg.Bool("notify/smtp-tls", false),
		send:          smtp.SendMail,
	}
	if user := cfg.String("notify/smtp-user", ""); user != "" {
		m.auth = smtp.PlainAuth("", user, cfg.String("notify/smtp-password", ""), host)
	}
	if m.useTLS {
		m.send = m.sendTLS
	}
	return m
}

// WithSendFunc replaces the transport. Used for testing.
func (m *SMTPMailer) WithSendFunc(fn SendFunc) *SMTPMailer {
	m.send = fn
	return m
}

// Send delivers one mail to every configured recipient.
func (m *SMTPMailer) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject = strings.TrimSpace(m.subjectPrefix + " " + subject)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		m.from, strings.Join(m.to, ", "), subject, time.Now().UTC().Format(time.RFC1123Z), body)

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	if err := m.send(addr, m.auth, m.from, m.to, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	log.Info().Str("subject", subject).Strs("to", m.to).Msg("mail sent")
	return nil
}

// sendTLS connects with implicit TLS (port 465 style).
func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return fmt.Errorf("smtp tls dial %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer func() { _ = c.Close() }()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}

// LogMailer logs notifications instead of sending them.
type LogMailer struct{}

// Send logs the notification.
func (LogMailer) Send(_ context.Context, subject, body string) error {
	log.Warn().Str("subject", subject).Str("body", body).Msg("notification (mail not configured)")
	return nil
}

// ErrorSubject formats the subject used for unexpected failures:
// "[<type>] on <operation> in [<namespace>]", where type is the dynamic
// type of the innermost wrapped error.
func ErrorSubject(err error, operation, namespace string) string {
	return fmt.Sprintf("[%T] on %s in [%s]", RootCause(err), operation, namespace)
}

// RootCause unwraps err down to the innermost error.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Error mails an unexpected failure. Mail delivery problems are logged and
// never returned, so callers can keep looping.
func Error(ctx context.Context, m Mailer, err error, operation, namespace string) {
	subject := ErrorSubject(err, operation, namespace)
	body := fmt.Sprintf("Operation %s in namespace %s failed:\n\n%+v\n", operation, namespace, err)
	if sendErr := m.Send(ctx, subject, body); sendErr != nil {
		log.Error().Err(sendErr).Str("subject", subject).Msg("failed to send error mail")
	}
}
